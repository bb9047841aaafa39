package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koprogo/greengrid/internal/config"
	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Cleanup.Enabled = false
	return cfg
}

func TestCoordinatorServesAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.BootstrapKey = "op-secret"

	c, err := New(cfg, logging.Nop())
	require.NoError(t, err)
	c.Start(context.Background())
	defer func() { assert.NoError(t, c.Stop(context.Background())) }()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	body, _ := json.Marshal(models.NodeRegistration{Name: "roof-1", CPUCores: 4, HasSolar: true, Location: "Namur"})

	resp, err := http.Post(srv.URL+"/nodes/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest("POST", srv.URL+"/nodes/register", bytes.NewReader(body))
	req.Header.Set(auth.APIKeyHeader, "op-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var creds models.NodeCredentials
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&creds))
	assert.NotEmpty(t, creds.Token, "node token issued when auth is on")
	require.NoError(t, c.Tokens.ValidateToken(creds.Node.ID, creds.Token))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(text), `greengrid_nodes{status="active"} 1`)
	assert.Contains(t, string(text), "go_goroutines")
}

func TestCoordinatorWithoutOptionalLayers(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	cfg.RateLimit.Enabled = false

	c, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, c.Tokens)
	assert.Nil(t, c.Limiter)
	assert.Nil(t, c.Bandwidth)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.NoError(t, c.Stop(context.Background()), "stop without start")
}

func TestCoordinatorRejectsBadKeys(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIKeys = []config.APIKey{{Name: "ops", Hash: "not-bcrypt"}}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
