package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Message:           aws.String(string(message)),
		MessageAttributes: snsAttributes(notification),
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"credential_id", notification.CredentialID,
	)
	return nil
}

func snsAttributes(notification Notification) map[string]snstypes.MessageAttributeValue {
	attrs := map[string]snstypes.MessageAttributeValue{
		"Type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(notification.Type)),
		},
	}
	if notification.PoolID != "" {
		attrs["PoolID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.PoolID),
		}
	}
	if notification.CredentialID != 0 {
		attrs["CredentialID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatUint(notification.CredentialID, 10)),
		}
	}
	return attrs
}
