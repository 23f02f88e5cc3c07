package wsapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/alarm"
	"scadamaster/internal/auth"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/registry"
	"scadamaster/internal/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *fanout.Bus, *auth.Engine) {
	t.Helper()
	bus := fanout.New(nil, nil)
	nodes := registry.New([]model.NodeDescriptor{{NodeID: "GEN-001"}}, nil, nil, nil, nil)
	store := telemetry.NewStore(telemetry.DefaultRingCapacity, nil)
	aggregator := telemetry.NewAggregator(nodes, nil, store, bus, nil, 0)
	alarms := alarm.New(nodes, bus, nil, nil)
	authEngine := auth.New("test-secret", 0, nil, nil)

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	authEngine.SeedUser("viewer", hash, model.RoleViewer)

	wsSrv := New(bus, nodes, aggregator, alarms, nil, authEngine, nil)
	httpSrv := httptest.NewServer(wsSrv.Handler())
	return httpSrv, bus, authEngine
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	httpSrv, _, _ := newTestServer(t)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestWebSocketSendsFullStateSnapshotFirst(t *testing.T) {
	httpSrv, _, authEngine := newTestServer(t)
	defer httpSrv.Close()

	token, _, err := authEngine.Login("viewer", "pw")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg model.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, model.MsgFullStateSnapshot, msg.Type)
}
