package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

// AckClient posts delivery acknowledgements to the publisher's HTTP API.
// The publisher's routes sit behind the shared tenant auth, so each
// request carries a short-lived service token signed with the same
// secret the publisher validates against.
type AckClient struct {
	baseURL    string
	subscriber string
	jwtSecret  string
	client     *http.Client
}

func NewAckClient(cfg config.ConsumerConfig, auth config.AuthConfig) *AckClient {
	return &AckClient{
		baseURL:    cfg.PublisherURL,
		subscriber: cfg.Name,
		jwtSecret:  auth.JWTSecret,
		client:     &http.Client{Timeout: cfg.AckTimeout},
	}
}

type ackRequest struct {
	Subscriber string `json:"subscriber"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// serviceToken signs a per-request token scoped to the event's tenant.
func (a *AckClient) serviceToken(tenantID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenantId": tenantID,
		"sub":      a.subscriber,
		"iat":      now.Unix(),
		"exp":      now.Add(time.Minute).Unix(),
	})
	return token.SignedString([]byte(a.jwtSecret))
}

// Ack records one consumption outcome against the event's delivery record.
func (a *AckClient) Ack(ctx context.Context, tenantID, eventID string, ok bool, message string) error {
	body, err := json.Marshal(ackRequest{Subscriber: a.subscriber, Success: ok, Message: message})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/v1/tenants/%s/events/%s/delivery",
		a.baseURL, url.PathEscape(tenantID), url.PathEscape(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := a.serviceToken(tenantID)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 3, 3), "service token signing failed")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := a.client.Do(req)
	if err != nil {
		return apperr.Upstream(err, apperr.Code(apperr.ServiceFabric, 3, 1), "acknowledgement request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode >= 300 {
		return apperr.Upstream(
			fmt.Errorf("status %d", res.StatusCode),
			apperr.Code(apperr.ServiceFabric, 3, 2),
			"acknowledgement rejected")
	}
	return nil
}
