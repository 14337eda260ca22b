package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &StatusError{StatusCode: 500}, true},
		{"503 обёрнутая", fmt.Errorf("вызов: %w", &StatusError{StatusCode: 503}), true},
		{"429", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"409", &StatusError{StatusCode: 409}, false},
		{"сетевая", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"сетевая в url.Error", &url.Error{Op: "Post", URL: "https://idp", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, true},
		{"обрыв ответа", &url.Error{Op: "Get", URL: "https://idp", Err: io.ErrUnexpectedEOF}, true},
		{"DNS временная", &net.DNSError{Err: "server misbehaving", Name: "idp", IsTemporary: true}, true},
		{"DNS имя не найдено", &url.Error{Op: "Get", URL: "https://idp", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "idp", IsNotFound: true}}}, false},
		{"недоверенный CA", &url.Error{Op: "Get", URL: "https://idp", Err: &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}}, false},
		{"несовпадение имени хоста", &url.Error{Op: "Get", URL: "https://idp", Err: x509.HostnameError{Certificate: &x509.Certificate{}, Host: "idp"}}, false},
		{"сертификат недействителен", &url.Error{Op: "Get", URL: "https://idp", Err: x509.CertificateInvalidError{Reason: x509.Expired}}, false},
		{"не-TLS ответ", &url.Error{Op: "Get", URL: "https://idp", Err: tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}}, false},
		{"некорректный хост", &url.Error{Op: "parse", URL: "https://id p", Err: url.InvalidHostError(" ")}, false},
		{"неподдерживаемая схема", &url.Error{Op: "Get", URL: "ftp://idp", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
		{"отмена контекста", context.Canceled, false},
		{"произвольная", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, ожидается %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetrier_RetriesTransient(t *testing.T) {
	r := NewRetrier(fastPolicy(3), nil, testLogger())

	calls := 0
	err := r.Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 502}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if calls != 3 {
		t.Errorf("вызовов = %d, ожидается 3", calls)
	}
}

func TestRetrier_NoRetryOnDefinitive(t *testing.T) {
	r := NewRetrier(fastPolicy(5), nil, testLogger())

	calls := 0
	err := r.Do(context.Background(), "test", func() error {
		calls++
		return &StatusError{StatusCode: 400, Body: "bad"}
	})
	if !IsStatus(err, 400) {
		t.Fatalf("ожидалась StatusError 400, получено: %v", err)
	}
	if calls != 1 {
		t.Errorf("вызовов = %d, ожидается 1", calls)
	}
}

func TestRetrier_AttemptsExhausted(t *testing.T) {
	r := NewRetrier(fastPolicy(3), nil, testLogger())

	calls := 0
	err := r.Do(context.Background(), "test", func() error {
		calls++
		return &StatusError{StatusCode: 503}
	})
	if !IsStatus(err, 503) {
		t.Fatalf("ожидалась последняя ошибка 503, получено: %v", err)
	}
	if calls != 3 {
		t.Errorf("вызовов = %d, ожидается 3", calls)
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	r := NewRetrier(RetryPolicy{Attempts: 10, Delay: time.Hour, MaxDelay: time.Hour}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "test", func() error {
		calls++
		cancel()
		return &StatusError{StatusCode: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено: %v", err)
	}
	if calls != 1 {
		t.Errorf("вызовов = %d, ожидается 1", calls)
	}
}

func TestNewHTTPClient_MissingCA(t *testing.T) {
	if _, err := NewHTTPClient("/nonexistent/ca.pem", 0); err == nil {
		t.Error("ожидалась ошибка для отсутствующего CA-файла")
	}

	c, err := NewHTTPClient("", 0)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, ожидается 30s", c.Timeout)
	}
}
