package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hidra-project/hidra/pkg/controlstore"
	"github.com/stretchr/testify/require"
)

// fakeSenderScript is a tiny shell script standing in for hidra-sender:
// it sleeps until killed, so Start/Stop exercise real process signaling
// without spawning the actual daemon.
func fakeSenderScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sender.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 1; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := controlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(Config{SenderBinPath: fakeSenderScript(t)}, store)
}

func TestCreateInstanceStartsProcessAndPersists(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(createRequest{DetectorName: "beamline-a", ConfigPath: "/tmp/cfg.yaml"})
	resp, err := http.Post(ts.URL+"/v1/instances", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var inst controlstore.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	require.Equal(t, "beamline-a", inst.Name)
	require.NotZero(t, inst.PID)

	defer func() {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/instances/beamline-a", nil)
		http.DefaultClient.Do(req)
	}()
}

func TestCreateDuplicateInstanceConflicts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(createRequest{DetectorName: "beamline-b", ConfigPath: "/tmp/cfg.yaml"})
	resp1, err := http.Post(ts.URL+"/v1/instances", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	resp2, err := http.Post(ts.URL+"/v1/instances", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusConflict, resp2.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/instances/beamline-b", nil)
	http.DefaultClient.Do(req)
}

func TestListAndGetInstance(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(createRequest{DetectorName: "beamline-c", ConfigPath: "/tmp/cfg.yaml"})
	resp, err := http.Post(ts.URL+"/v1/instances", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	list, err := http.Get(ts.URL + "/v1/instances")
	require.NoError(t, err)
	defer list.Body.Close()
	var all []*controlstore.Instance
	require.NoError(t, json.NewDecoder(list.Body).Decode(&all))
	require.Len(t, all, 1)

	get, err := http.Get(ts.URL + "/v1/instances/beamline-c")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/instances/beamline-c", nil)
	http.DefaultClient.Do(req)
}

func TestGetUnknownInstanceReturns404(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/instances/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteStopsProcessAndMarksStopped(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(createRequest{DetectorName: "beamline-d", ConfigPath: "/tmp/cfg.yaml"})
	resp, err := http.Post(ts.URL+"/v1/instances", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/instances/beamline-d", nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	get, err := http.Get(ts.URL + "/v1/instances/beamline-d")
	require.NoError(t, err)
	defer get.Body.Close()
	var inst controlstore.Instance
	require.NoError(t, json.NewDecoder(get.Body).Decode(&inst))
	require.Equal(t, controlstore.StateStopped, inst.State)
}
