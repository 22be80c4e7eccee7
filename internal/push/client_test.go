package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	bodies []string
	reject bool
}

func (s *recordingSink) DispatchRaw(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		s.reject = false
		return errors.New("malformed event")
	}
	s.bodies = append(s.bodies, string(body))
	return nil
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.bodies))
	copy(out, s.bodies)
	return out
}

// pushServer authenticates one connection and streams the given events.
func pushServer(t *testing.T, ackCode int, events ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var auth map[string]string
		require.NoError(t, conn.ReadJSON(&auth))
		assert.Equal(t, "auth", auth["action"])
		assert.Equal(t, "secret", auth["token"])

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"statusCode": ackCode,
			"message":    "success",
		}))
		if ackCode != 200 && ackCode != 100 {
			return
		}

		for _, ev := range events {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ev)))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectForwardsEvents(t *testing.T) {
	event := `{"deviceId":"fan-1","powerState":"ON"}`
	server := pushServer(t, 200, event)
	defer server.Close()

	sink := &recordingSink{}
	client := NewClient(wsURL(server), "secret", sink, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	assert.True(t, client.IsConnected())
	require.Eventually(t, func() bool { return len(sink.received()) == 1 },
		time.Second, time.Millisecond)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(sink.received()[0]), &got))
	assert.Equal(t, "fan-1", got["deviceId"])
}

func TestConnectRejectsBadAuth(t *testing.T) {
	server := pushServer(t, 401)
	defer server.Close()

	client := NewClient(wsURL(server), "secret", &recordingSink{}, zap.NewNop())
	err := client.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.False(t, client.IsConnected())
}

func TestSinkErrorDoesNotKillChannel(t *testing.T) {
	server := pushServer(t, 200, `not json at all`, `{"deviceId":"fan-1"}`)
	defer server.Close()

	sink := &recordingSink{reject: true} // first event rejected
	client := NewClient(wsURL(server), "secret", sink, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.Eventually(t, func() bool { return len(sink.received()) == 1 },
		time.Second, time.Millisecond, "second event still delivered")
	assert.True(t, client.IsConnected())
}

func TestDisconnect(t *testing.T) {
	server := pushServer(t, 200)
	defer server.Close()

	client := NewClient(wsURL(server), "secret", &recordingSink{}, zap.NewNop())
	require.NoError(t, client.Connect())
	require.NoError(t, client.Disconnect())

	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Disconnect(), "repeated disconnect is a no-op")
}
