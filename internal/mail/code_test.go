package mail

import "testing"

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		want    string
	}{
		{
			name:    "verification code in subject",
			subject: "Your verification code is 482913",
			want:    "482913",
		},
		{
			name:    "security code with separator",
			subject: "Security code: 7341",
			want:    "7341",
		},
		{
			name:    "one-time code in body",
			subject: "Sign in to your account",
			body:    "Use this one-time code to continue: 905112",
			want:    "905112",
		},
		{
			name:    "chinese verification mail",
			subject: "您的验证码",
			body:    "验证码：334455，10分钟内有效。",
			want:    "334455",
		},
		{
			name:    "subject preferred over body",
			subject: "Verification code 111222",
			body:    "Verification code 333444",
			want:    "111222",
		},
		{
			name:    "bare six digit fallback",
			subject: "Welcome",
			body:    "Please enter 820044 to verify your device.",
			want:    "820044",
		},
		{
			name:    "no code present",
			subject: "Your invoice for August",
			body:    "Thanks for your purchase.",
			want:    "",
		},
		{
			name: "empty message",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCode(tt.subject, tt.body)
			if got != tt.want {
				t.Errorf("ExtractCode() = %q, expected %q", got, tt.want)
			}
		})
	}
}
