package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/edemocracy/signup-verifier/internal/config"
)

// SESSender delivers mail through AWS SES v2.
type SESSender struct {
	client *sesv2.Client
	sender string
}

// NewSESSender creates a sender from the mail configuration. Static keys
// are used when configured; otherwise the default credential chain.
func NewSESSender(ctx context.Context, cfg appconfig.MailConfig) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{
		client: sesv2.NewFromConfig(awsCfg),
		sender: cfg.SenderEmail,
	}, nil
}

// Send delivers one message. Messages with attachments go out as raw
// MIME; everything else uses simple content.
func (s *SESSender) Send(ctx context.Context, msg Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.sender),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
			CcAddresses: msg.CC,
		},
	}

	if len(msg.Attachments) > 0 {
		raw, err := buildMIME(s.sender, msg)
		if err != nil {
			return fmt.Errorf("build mime: %w", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		body := &types.Body{}
		if msg.HTML != "" {
			body.Html = &types.Content{Data: aws.String(msg.HTML)}
		}
		if msg.Text != "" {
			body.Text = &types.Content{Data: aws.String(msg.Text)}
		}
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		}
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send to %s: %w", msg.To, err)
	}
	return nil
}

// buildMIME assembles a multipart/mixed message with an HTML body part
// and base64-encoded attachments, for the raw SES path.
func buildMIME(from string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if msg.HTML != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=utf-8"},
		})
		if err != nil {
			return nil, err
		}
		part.Write([]byte(msg.HTML))
	} else if msg.Text != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/plain; charset=utf-8"},
		})
		if err != nil {
			return nil, err
		}
		part.Write([]byte(msg.Text))
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
		})
		if err != nil {
			return nil, err
		}
		part.Write([]byte(base64.StdEncoding.EncodeToString(att.Data)))
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
