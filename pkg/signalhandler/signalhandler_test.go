package signalhandler

import (
	"encoding/json"
	"testing"

	"github.com/hidra-project/hidra/pkg/hostmatch"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/version"
	"github.com/stretchr/testify/require"
)

func targetsJSON(t *testing.T, entries ...[]interface{}) []byte {
	t.Helper()
	out, err := json.Marshal(entries)
	require.NoError(t, err)
	return out
}

func newTestHandler() *Handler {
	return New(Config{Hosts: hostmatch.NewList([]string{"h", "h1", "h2"}), StoreData: true})
}

func TestGetVersionAndIsAlive(t *testing.T) {
	h := newTestHandler()

	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("GET_VERSION"), []byte("[]")})
	require.Equal(t, version.Current, string(reply[0]))

	reply = h.HandleCom([][]byte{[]byte(version.Current), []byte("IS_ALIVE"), []byte("[]")})
	require.Equal(t, "OK", string(reply[0]))
}

func TestVersionConflict(t *testing.T) {
	h := newTestHandler()
	reply := h.HandleCom([][]byte{[]byte("0.9.0"), []byte("START_STREAM"), targetsJSON(t, []interface{}{"h", 6000, 1})})
	require.Contains(t, string(reply[0]), "VERSION_CONFLICT")
}

func TestNoValidHost(t *testing.T) {
	h := newTestHandler()
	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"), targetsJSON(t, []interface{}{"unknownhost", 6000, 1})})
	require.Equal(t, "NO_VALID_HOST", string(reply[0]))
}

func TestStreamRoundRobinDelivery(t *testing.T) {
	h := newTestHandler()
	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"),
		targetsJSON(t, []interface{}{"h1", 6000, 1}, []interface{}{"h2", 6001, 1})})
	require.Equal(t, "START_STREAM", string(reply[0]))

	first := h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "dir/a.cbf")})
	second := h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "dir/b.cbf")})

	var firstTargets, secondTargets []model.Target
	require.NoError(t, json.Unmarshal(first[0], &firstTargets))
	require.NoError(t, json.Unmarshal(second[0], &secondTargets))
	require.Len(t, firstTargets, 1)
	require.Len(t, secondTargets, 1)
	require.NotEqual(t, firstTargets[0].Endpoint, secondTargets[0].Endpoint)
}

func TestQueryRequiresNext(t *testing.T) {
	h := newTestHandler()
	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_QUERY_NEXT"),
		targetsJSON(t, []interface{}{"h", 8000, 1, ".*\\.cbf$"})})
	require.Equal(t, "START_QUERY_NEXT", string(reply[0]))

	none := h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "a.cbf")})
	require.Equal(t, `["None"]`, string(none[0]))

	h.HandleRequest([][]byte{[]byte("NEXT h:8000")})
	got := h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "a.cbf")})
	var targets []model.Target
	require.NoError(t, json.Unmarshal(got[0], &targets))
	require.Len(t, targets, 1)
	require.Equal(t, "h:8000", targets[0].Endpoint)

	// Grant consumed; next file sees no pending grant.
	none = h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "b.cbf")})
	require.Equal(t, `["None"]`, string(none[0]))
}

func TestCancelDropsAllPendingGrantsForEndpoint(t *testing.T) {
	h := newTestHandler()
	h.HandleCom([][]byte{[]byte(version.Current), []byte("START_QUERY_NEXT"),
		targetsJSON(t, []interface{}{"h", 8000, 1, ".*\\.cbf$"})})

	h.HandleRequest([][]byte{[]byte("NEXT h:8000")})
	h.HandleRequest([][]byte{[]byte("NEXT h:8000")})
	h.HandleRequest([][]byte{[]byte("CANCEL h:8000")})

	none := h.HandleRequestFW([][]byte{[]byte("GET_REQUESTS"), marshal(t, "a.cbf")})
	require.Equal(t, `["None"]`, string(none[0]))
}

func TestStopUnknownNodesetReturnsNoOpenConnection(t *testing.T) {
	h := newTestHandler()
	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("STOP_STREAM"),
		targetsJSON(t, []interface{}{"h", 6000, 1})})
	require.Equal(t, "NO_OPEN_CONNECTION_FOUND", string(reply[0]))
}

func TestReopenIdenticalNodesetIsIdempotent(t *testing.T) {
	h := newTestHandler()
	entries := targetsJSON(t, []interface{}{"h1", 6000, 1})

	first := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"), entries})
	require.Equal(t, "START_STREAM", string(first[0]))

	second := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"), entries})
	require.Equal(t, "START_STREAM", string(second[0]))
}

func TestOverlappingNonSubsetNodesetRejected(t *testing.T) {
	h := newTestHandler()
	h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"),
		targetsJSON(t, []interface{}{"h1", 6000, 1}, []interface{}{"h2", 6001, 1})})

	reply := h.HandleCom([][]byte{[]byte(version.Current), []byte("START_STREAM"),
		targetsJSON(t, []interface{}{"h2", 6001, 1}, []interface{}{"h", 6002, 1})})
	require.Equal(t, "CONNECTION_ALREADY_OPEN", string(reply[0]))
}

func marshal(t *testing.T, v string) []byte {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return out
}
