package logger

import (
	"bytes"
	"strings"
	"testing"
)

func redact(t *testing.T, in string) string {
	t.Helper()
	var buf bytes.Buffer
	w := NewRedactWriter(&buf)
	n, err := w.Write([]byte(in))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(in) {
		t.Fatalf("Write should report the original length, got %d of %d", n, len(in))
	}
	return buf.String()
}

func TestRedactWriter(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		leaked   string
		retained string
	}{
		{
			"password in json",
			`{"vrchat_password":"hunter2","level":"info"}`,
			"hunter2",
			"level",
		},
		{
			"auth cookie",
			`sending Cookie: auth=authcookie_12345-abcdef`,
			"authcookie_12345-abcdef",
			"Cookie",
		},
		{
			"two factor cookie",
			`Cookie: twoFactorAuth=eyJhbGciOi_token`,
			"eyJhbGciOi_token",
			"Cookie",
		},
		{
			"totp code",
			`submitting totp_code=123456 for verification`,
			"123456",
			"verification",
		},
		{
			"bearer token",
			`Authorization: Bearer abc.def.ghi`,
			"abc.def.ghi",
			"Authorization",
		},
		{
			"basic auth",
			`Authorization: Basic dXNlcjpwYXNz`,
			"dXNlcjpwYXNz",
			"Authorization",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := redact(t, tc.in)
			if strings.Contains(out, tc.leaked) {
				t.Fatalf("secret leaked: %q", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Fatalf("expected a redaction marker: %q", out)
			}
			if !strings.Contains(out, tc.retained) {
				t.Fatalf("non-secret context lost: %q", out)
			}
		})
	}
}

func TestRedactWriterPassesCleanLines(t *testing.T) {
	in := `{"level":"info","message":"gatekeeper pass complete","group":"grp_abc"}`
	if out := redact(t, in); out != in {
		t.Fatalf("clean line modified: %q", out)
	}
}
