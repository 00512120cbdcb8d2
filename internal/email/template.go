package email

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"recurring-notifier/internal/models"
)

var messageTemplate = template.Must(template.New("message").Parse(`<!doctype html>
<html>
  <body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; margin:0; padding:24px; background:#f6f7f9;">
    <table role="presentation" width="100%" cellspacing="0" cellpadding="0" style="max-width:640px;margin:0 auto;background:#ffffff;border-radius:12px;border:1px solid #eceff3;">
      <tr>
        <td style="padding:20px 24px;background:#0b5fff;color:#fff;">
          <h2 style="margin:0;font-size:18px;">Personal Anything Notifier</h2>
          <div style="font-size:12px;margin-top:4px;">Notification {{.NotificationID}}</div>
        </td>
      </tr>
      <tr>
        <td style="padding:24px;">
          <div style="font-size:12px;color:#6b7280;">Original query</div>
          <div style="font-size:16px;margin:4px 0 16px 0;">{{.OriginalQuery}}</div>
          <div style="font-size:12px;color:#6b7280;">Answer</div>
          <div style="font-size:16px;line-height:1.6;margin:4px 0 16px 0;white-space:pre-wrap;">{{.Answer}}</div>
          {{- if .Sources}}
          <div style="font-size:12px;color:#6b7280;">Sources</div>
          <ul style="margin:6px 0 0 16px;padding:0;">
            {{- range .Sources}}
            <li style="margin:6px 0;"><a href="{{.URL}}" style="color:#0b5fff;text-decoration:none;">{{.Label}}</a></li>
            {{- end}}
          </ul>
          {{- end}}
        </td>
      </tr>
      <tr>
        <td style="padding:16px 24px;border-top:1px solid #eceff3;font-size:12px;color:#6b7280;">Sent at {{.SentAt}}</td>
      </tr>
    </table>
  </body>
</html>
`))

type sourceView struct {
	URL   string
	Label string
}

type messageView struct {
	NotificationID string
	OriginalQuery  string
	Answer         string
	Sources        []sourceView
	SentAt         string
}

// Render builds the HTML body of a delivery. All user and model text is
// escaped by html/template.
func Render(msg models.DeliveryMessage, sentAt time.Time) (string, error) {
	view := messageView{
		NotificationID: msg.NotificationID,
		OriginalQuery:  msg.OriginalQuery,
		Answer:         msg.Answer,
		SentAt:         models.FormatInstant(sentAt),
	}
	if view.Answer == "" {
		view.Answer = "No answer"
	}
	for _, s := range msg.Sources {
		label := s.Title
		if label == "" {
			label = s.URL
		}
		view.Sources = append(view.Sources, sourceView{URL: s.URL, Label: label})
	}

	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}
