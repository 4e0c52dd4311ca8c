package consumer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/api"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/consumer"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// ackServer mounts a recording delivery handler behind the same auth
// middleware the publisher uses, so the client is tested against the
// credentials it will actually face.
func ackServer(t *testing.T, secret string) (*httptest.Server, *[]map[string]any) {
	t.Helper()

	var seen []map[string]any
	r := mux.NewRouter()
	tenants := r.PathPrefix("/api/v1/tenants/{tenantId}").Subrouter()
	tenants.Use(api.Auth(config.AuthConfig{JWTSecret: secret}, logger.NewNop()))
	tenants.HandleFunc("/events/{eventId}/delivery", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		body["tenantId"] = mux.Vars(req)["tenantId"]
		body["eventId"] = mux.Vars(req)["eventId"]
		seen = append(seen, body)
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestAckClientAuthenticates(t *testing.T) {
	srv, seen := ackServer(t, "ack-secret")

	client := consumer.NewAckClient(
		config.ConsumerConfig{Name: "journal", PublisherURL: srv.URL, AckTimeout: 2 * time.Second},
		config.AuthConfig{JWTSecret: "ack-secret"})

	err := client.Ack(context.Background(), "t1", "evt-1", true, "")
	require.NoError(t, err)

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, "t1", got["tenantId"])
	assert.Equal(t, "evt-1", got["eventId"])
	assert.Equal(t, "journal", got["subscriber"])
	assert.Equal(t, true, got["success"])
}

func TestAckClientRejectedOnSecretMismatch(t *testing.T) {
	srv, seen := ackServer(t, "ack-secret")

	client := consumer.NewAckClient(
		config.ConsumerConfig{Name: "journal", PublisherURL: srv.URL, AckTimeout: 2 * time.Second},
		config.AuthConfig{JWTSecret: "some-other-secret"})

	err := client.Ack(context.Background(), "t1", "evt-1", false, "handler failed")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Empty(t, *seen)
}
