package initialize

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/models"
	"fleetd/backend/app/socket"
	"fleetd/backend/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func deviceSimulator(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"online","batteryLevel":90,"signalStrength":-50}`))
	})
	mux.HandleFunc("/api/mode", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/payload", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"output":"typed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	app   *App
	srv   *httptest.Server
	token string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DB.Path = filepath.Join(t.TempDir(), "fleetd.db")
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Reconcile.RetryBaseDelay = time.Millisecond

	app, err := Build(cfg, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	token, err := app.Signer.Sign("user-1", "op", "operator")
	require.NoError(t, err)
	return &harness{app: app, srv: srv, token: token}
}

func (h *harness) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		env := dto.APIResponse{Data: out}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode
}

func readEvent(t *testing.T, conn *websocket.Conn) socket.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f socket.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/api/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNetworkDeploymentEndToEnd(t *testing.T) {
	h := newHarness(t)
	dev := deviceSimulator(t)

	var device models.Device
	code := h.call(t, http.MethodPost, "/api/devices", dto.RegisterDeviceRequest{
		Name: "bench", Mode: models.ModeNetwork, Address: strings.TrimPrefix(dev.URL, "http://"),
	}, &device)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, device.ID)

	require.Eventually(t, func() bool {
		var got models.Device
		return h.call(t, http.MethodGet, "/api/devices/"+device.ID, nil, &got) == http.StatusOK &&
			got.Status == models.DeviceOnline
	}, 3*time.Second, 20*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, socket.EventAuthenticated, readEvent(t, conn).Event)
	require.NoError(t, conn.WriteJSON(map[string]any{"event": socket.ControlSubscribe, "data": map[string]string{"deviceId": device.ID}}))
	assert.Equal(t, socket.EventSubscribed, readEvent(t, conn).Event)

	var payload models.Payload
	code = h.call(t, http.MethodPost, "/api/payloads", dto.CreatePayloadRequest{Name: "hello", Script: "STRING hello"}, &payload)
	require.Equal(t, http.StatusCreated, code)

	var dep models.Deployment
	code = h.call(t, http.MethodPost, "/api/deployments", dto.DeployRequest{PayloadID: payload.ID, DeviceID: device.ID}, &dep)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.DeploymentExecuting, dep.Status)
	assert.Equal(t, "user-1", dep.UserID)

	var statuses []string
	sawActivity := false
	for len(statuses) == 0 || statuses[len(statuses)-1] != string(models.DeploymentCompleted) {
		f := readEvent(t, conn)
		switch f.Event {
		case socket.EventDeploymentStatusChanged:
			var sc dto.StatusChange
			require.NoError(t, json.Unmarshal(f.Data, &sc))
			statuses = append(statuses, sc.Status)
		case socket.DeviceActivityEvent(device.ID):
			sawActivity = true
		}
	}
	assert.Equal(t, []string{"pending", "connected", "executing", "completed"}, statuses)
	assert.True(t, sawActivity)

	h.app.Deployments.Wait()
	var final models.Deployment
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/api/deployments/"+dep.ID, nil, &final))
	assert.Equal(t, models.DeploymentCompleted, final.Status)

	var history []models.Deployment
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/api/devices/"+device.ID+"/deployments", nil, &history))
	require.Len(t, history, 1)

	require.Eventually(t, func() bool {
		var got models.Device
		h.call(t, http.MethodGet, "/api/devices/"+device.ID, nil, &got)
		return got.Status == models.DeviceOnline
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDeploymentRejections(t *testing.T) {
	h := newHarness(t)

	var serial models.Device
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/api/devices",
		dto.RegisterDeviceRequest{Name: "usb", Mode: models.ModeLocalSerial}, &serial))
	var payload models.Payload
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/api/payloads",
		dto.CreatePayloadRequest{Name: "p", Script: "DELAY 1"}, &payload))

	assert.Equal(t, http.StatusBadRequest, h.call(t, http.MethodPost, "/api/deployments", map[string]string{"payloadId": payload.ID}, nil))
	assert.Equal(t, http.StatusNotFound, h.call(t, http.MethodPost, "/api/deployments",
		dto.DeployRequest{PayloadID: payload.ID, DeviceID: "missing"}, nil))
	assert.Equal(t, http.StatusConflict, h.call(t, http.MethodPost, "/api/deployments",
		dto.DeployRequest{PayloadID: payload.ID, DeviceID: serial.ID}, nil), "offline device")
	assert.Equal(t, http.StatusNotFound, h.call(t, http.MethodGet, "/api/payloads/missing", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.call(t, http.MethodPost, "/api/devices",
		dto.RegisterDeviceRequest{Name: "net", Mode: models.ModeNetwork}, nil), "network device without address")

	var stats map[string]int
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/api/pool/stats", nil, &stats))
	assert.Zero(t, stats["total"])
}

func TestSerialDeploymentReportedByOperator(t *testing.T) {
	h := newHarness(t)

	var device models.Device
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/api/devices",
		dto.RegisterDeviceRequest{Name: "usb", Mode: models.ModeLocalSerial}, &device))
	assert.Equal(t, http.StatusBadRequest, h.call(t, http.MethodPost, "/api/devices/"+device.ID+"/status",
		map[string]string{"status": "busy"}, nil))
	require.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/api/devices/"+device.ID+"/status",
		dto.StatusReportRequest{Status: "online"}, &device))
	require.Equal(t, models.DeviceOnline, device.Status)

	var payload models.Payload
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/api/payloads",
		dto.CreatePayloadRequest{Name: "p", Script: "DELAY 1"}, &payload))
	var dep models.Deployment
	require.Equal(t, http.StatusAccepted, h.call(t, http.MethodPost, "/api/deployments",
		dto.DeployRequest{PayloadID: payload.ID, DeviceID: device.ID}, &dep))
	assert.Equal(t, models.DeploymentExecuting, dep.Status)

	assert.Equal(t, http.StatusConflict, h.call(t, http.MethodPost, "/api/deployments",
		dto.DeployRequest{PayloadID: payload.ID, DeviceID: device.ID}, nil), "device is busy")

	var done models.Deployment
	require.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/api/deployments/"+dep.ID+"/result",
		dto.ResultReport{Success: true, Output: "ok"}, &done))
	assert.Equal(t, models.DeploymentCompleted, done.Status)
	assert.Equal(t, http.StatusConflict, h.call(t, http.MethodPost, "/api/deployments/"+dep.ID+"/result",
		dto.ResultReport{Success: true}, nil))

	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/api/devices/"+device.ID, nil, &device))
	assert.Equal(t, models.DeviceOnline, device.Status)
}
