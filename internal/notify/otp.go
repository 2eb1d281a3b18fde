package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var otpTemplate = template.Must(template.New("otp").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #e0e0e0; border-radius: 5px;">
  <h2 style="color: #333; text-align: center;">Your One-Time Password</h2>
  <div style="background-color: #f5f5f5; padding: 15px; border-radius: 4px; text-align: center; margin: 20px 0;">
    <span style="font-size: 24px; font-weight: bold; letter-spacing: 5px;">{{.Code}}</span>
  </div>
  <p style="color: #666;">This code is valid for {{.Minutes}} minutes. Please do not share it with anyone.</p>
  <p style="color: #666;">If you didn't request this code, please ignore this email.</p>
  <div style="text-align: center; margin-top: 20px; padding-top: 20px; border-top: 1px solid #e0e0e0;">
    <p style="color: #999; font-size: 12px;">&copy; {{.Year}} CoinTap</p>
  </div>
</div>
`))

// OTPMessage renders the verification email for code.
func OTPMessage(to, code string, ttl time.Duration, now time.Time) (Message, error) {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	var buf bytes.Buffer
	err := otpTemplate.Execute(&buf, struct {
		Code    string
		Minutes int
		Year    int
	}{code, minutes, now.Year()})
	if err != nil {
		return Message{}, fmt.Errorf("render otp email: %w", err)
	}
	return Message{
		To:      to,
		Subject: "Your CoinTap Verification Code",
		HTML:    buf.String(),
		Text:    fmt.Sprintf("Your CoinTap verification code is %s. It expires in %d minutes.", code, minutes),
	}, nil
}
