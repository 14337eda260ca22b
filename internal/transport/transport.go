// Пакет transport — общая политика HTTP-взаимодействия с IdP:
// классификация ошибок (временная/постоянная), ограниченные повторы
// с экспоненциальной задержкой, HTTP-клиент с кастомным CA.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// maxErrorBody — максимальный объём тела ответа, сохраняемый в StatusError.
const maxErrorBody = 1024

// StatusError — неуспешный HTTP-ответ IdP.
type StatusError struct {
	// Service — имя удалённой системы (keycloak, authentik)
	Service    string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: статус %d: %s", e.Service, e.Method, e.Path, e.StatusCode, e.Body)
}

// Transient сообщает, имеет ли смысл повторить запрос.
// Временными считаются 5xx и 429, остальные 4xx — постоянные.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewStatusError читает (ограниченно) тело ответа и формирует StatusError.
// Тело ответа не закрывается.
func NewStatusError(service string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		se.Path = resp.Request.URL.Path
	}
	return se
}

// IsStatus сообщает, является ли err StatusError с указанным кодом.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// IsTransient классифицирует ошибку: true для 5xx/429 и сетевых ошибок.
// Отмена контекста, ошибки проверки сертификата и некорректный URL
// временными не считаются.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if isPermanentNetError(err) {
		return false
	}

	// *url.Error сам реализует net.Error, поэтому классифицируется по вложенной ошибке
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// isPermanentNetError — сетевые ошибки, которые повтор не исправит:
// TLS-рукопожатие с недоверенным сертификатом, не-TLS ответ, неразрешимое имя,
// некорректный адрес.
func isPermanentNetError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownCA   x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		invalidHost url.InvalidHostError
		addrErr     *net.AddrError
		dnsErr      *net.DNSError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert),
		errors.As(err, &recordErr),
		errors.As(err, &invalidHost),
		errors.As(err, &addrErr):
		return true
	case errors.As(err, &dnsErr):
		return dnsErr.IsNotFound
	}
	return false
}

// NewHTTPClient создаёт HTTP-клиент. Если caCertPath не пуст,
// к системному пулу добавляется указанный CA-сертификат.
func NewHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if caCertPath == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}
