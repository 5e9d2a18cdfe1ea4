package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medtrack/m/domain"
	"medtrack/m/internal/platform/httpclient"
)

// Delivery modes.
const (
	Confirmed   = "confirmed"
	Unconfirmed = "unconfirmed"
)

const (
	tokenTTL     = 5 * time.Minute
	probeTimeout = 2 * time.Second
)

// ErrNoEndpoint is returned by Push when no webhook URL is configured.
var ErrNoEndpoint = errors.New("sheets: no endpoint configured")

// TransportError wraps failures that happen before a response is received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "sheets transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Payload is the row appended to the spreadsheet for one record.
type Payload struct {
	Timestamp            string `json:"timestamp"`
	PatientName          string `json:"patientName"`
	Age                  int    `json:"age"`
	Gender               string `json:"gender"`
	Diagnosis            string `json:"diagnosis"`
	Meropenem1gQuantity  int    `json:"meropenem1gQuantity"`
	Meropenem05gQuantity int    `json:"meropenem0_5gQuantity"`
	Frequency            string `json:"frequency"`
	Duration             int    `json:"duration"`
	PharmacistID         string `json:"pharmacistId"`
	AllergyTest          string `json:"allergyTest"`
	SyncStatus           string `json:"syncStatus"`
}

// NewPayload maps a record to its outbound form. The timestamp is the
// record's creation time.
func NewPayload(d domain.Dispensation) Payload {
	return Payload{
		Timestamp:            domain.ISOTime(d.CreatedAt),
		PatientName:          d.PatientName,
		Age:                  d.Age,
		Gender:               string(d.Gender),
		Diagnosis:            d.Diagnosis,
		Meropenem1gQuantity:  d.Meropenem1gQuantity,
		Meropenem05gQuantity: d.Meropenem05gQuantity,
		Frequency:            string(d.Frequency),
		Duration:             d.Duration,
		PharmacistID:         d.PharmacistID,
		AllergyTest:          string(d.AllergyTest),
		SyncStatus:           domain.StatusSynced,
	}
}

type Options struct {
	URL           string
	Delivery      string
	SigningSecret string
	Timeout       time.Duration
	// Offline forces Online to report false.
	Offline bool
}

// Client pushes records to the spreadsheet webhook.
type Client struct {
	url      string
	delivery string
	secret   []byte
	offline  bool
	http     *httpclient.Client
	now      func() time.Time
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(opts Options) *Client {
	return NewWithHTTP(opts, httpclient.New(opts.Timeout))
}

// NewWithHTTP lets tests supply the underlying HTTP client.
func NewWithHTTP(opts Options, hc *httpclient.Client) *Client {
	delivery := strings.ToLower(strings.TrimSpace(opts.Delivery))
	if delivery != Unconfirmed {
		delivery = Confirmed
	}
	var d net.Dialer
	return &Client{
		url:      strings.TrimSpace(opts.URL),
		delivery: delivery,
		secret:   []byte(opts.SigningSecret),
		offline:  opts.Offline,
		http:     hc,
		now:      time.Now,
		dial:     d.DialContext,
	}
}

func (c *Client) Delivery() string { return c.delivery }

// Push sends one record. In confirmed mode a non-2xx answer is returned as
// *httpclient.HTTPError; in unconfirmed mode any answer counts as delivered.
func (c *Client) Push(ctx context.Context, d domain.Dispensation) error {
	if c.url == "" {
		return ErrNoEndpoint
	}

	headers := map[string]string{"Idempotency-Key": d.Key}
	if len(c.secret) > 0 {
		token, err := c.sign(d.Key)
		if err != nil {
			return fmt.Errorf("sheets: sign push: %w", err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	payload := NewPayload(d)
	if c.delivery == Unconfirmed {
		if _, err := c.http.Send(ctx, http.MethodPost, c.url, headers, payload); err != nil {
			return &TransportError{Err: err}
		}
		return nil
	}

	err := c.http.DoJSON(ctx, http.MethodPost, c.url, headers, payload, nil)
	var httpErr *httpclient.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &httpErr):
		return httpErr
	default:
		return &TransportError{Err: err}
	}
}

type pushClaims struct {
	jwt.RegisteredClaims
}

func (c *Client) sign(key string) (string, error) {
	now := c.now()
	claims := pushClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Online reports whether the webhook host accepts TCP connections.
func (c *Client) Online(ctx context.Context) bool {
	if c.offline || c.url == "" {
		return false
	}
	u, err := url.Parse(c.url)
	if err != nil || u.Host == "" {
		return false
	}
	addr := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
