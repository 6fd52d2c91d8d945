package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type FCMSender struct {
	client *messaging.Client
	log    *logrus.Entry
}

var _ Sender = (*FCMSender)(nil)

// NewFCMSender initializes the messaging client. Base64 encoded service
// account JSON takes precedence over the local key file.
func NewFCMSender(ctx context.Context, encodedCreds, localFilePath string, log *logrus.Entry) (*FCMSender, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "fcm")

	var opt option.ClientOption
	if encodedCreds != "" {
		decoded, err := base64.StdEncoding.DecodeString(encodedCreds)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 firebase credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(decoded)
		log.Info("initializing from FCM_SERVICE_ACCOUNT_JSON")
	} else {
		if _, err := os.Stat(localFilePath); err != nil {
			return nil, fmt.Errorf("local firebase file not found: %s, and FCM_SERVICE_ACCOUNT_JSON is not set", localFilePath)
		}
		opt = option.WithCredentialsFile(localFilePath)
		log.WithField("path", localFilePath).Info("initializing from local key file")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return &FCMSender{client: client, log: log}, nil
}

// Send publishes msg to the member's topic.
func (s *FCMSender) Send(ctx context.Context, msg Message) error {
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["kind"] = string(msg.Kind)

	id, err := s.client.Send(ctx, &messaging.Message{
		Topic: Topic(msg.MemberID),
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s notification: %w", msg.Kind, err)
	}
	s.log.WithFields(logrus.Fields{"member_id": msg.MemberID, "kind": msg.Kind, "message_id": id}).Debug("push sent")
	return nil
}
