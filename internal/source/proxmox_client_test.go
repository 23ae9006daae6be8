// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterResourcesBody = `{
  "data": [
    {"type": "node", "node": "pve1", "cpu": 0.25, "maxcpu": 8,
     "mem": 8589934592, "maxmem": 34359738368, "uptime": 360000},
    {"type": "qemu", "node": "pve1", "vmid": 101, "name": "vm-web",
     "cpu": 0.1, "maxcpu": 2, "mem": 1073741824, "maxmem": 2147483648,
     "netin": 5000, "netout": 2500, "diskread": 100, "diskwrite": 200,
     "uptime": 7200},
    {"type": "lxc", "node": "pve2", "vmid": 200, "name": "ct-db",
     "cpu": 0.5, "maxcpu": 4, "uptime": 100},
    {"type": "storage", "node": "pve1", "name": "local-zfs"}
  ]
}`

func TestProxmoxClientSnapshot(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(clusterResourcesBody))
	}))
	defer srv.Close()

	c := NewProxmoxClient(srv.URL, "agent@pam!metrics=secret", srv.Client())
	resources, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "PVEAPIToken=agent@pam!metrics=secret", gotAuth)
	assert.Equal(t, "/api2/json/cluster/resources", gotPath)

	// Node, qemu guest, lxc guest. Storage rows are not resources we track.
	require.Len(t, resources, 3)

	assert.Equal(t, "node", resources[0].Type)
	assert.Equal(t, "pve1", resources[0].Node)
	assert.InDelta(t, 0.25*360000, resources[0].CPUSeconds, 0.001)
	assert.Equal(t, float64(8), resources[0].CPUs)

	assert.Equal(t, "guest", resources[1].Type)
	assert.Equal(t, "101", resources[1].ID)
	assert.Equal(t, float64(5000), resources[1].NetIn)

	assert.Equal(t, "guest", resources[2].Type)
	assert.Equal(t, "200", resources[2].ID)
	assert.Equal(t, "pve2", resources[2].Node)
}

func TestProxmoxClientSnapshotHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewProxmoxClient(srv.URL, "", srv.Client())
	_, err := c.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestProxmoxClientSnapshotBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := NewProxmoxClient(srv.URL, "", srv.Client())
	_, err := c.Snapshot(context.Background())
	assert.Error(t, err)
}
