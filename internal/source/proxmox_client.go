// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const proxmoxRequestTimeout = 15 * time.Second

// proxmoxRow is the wire shape of one /cluster/resources entry. Guests come
// back typed "qemu" or "lxc"; both map to guest.
type proxmoxRow struct {
	Type      string  `json:"type"`
	Node      string  `json:"node"`
	VMID      int64   `json:"vmid"`
	Name      string  `json:"name"`
	CPU       float64 `json:"cpu"`
	MaxCPU    float64 `json:"maxcpu"`
	Mem       float64 `json:"mem"`
	MaxMem    float64 `json:"maxmem"`
	NetIn     float64 `json:"netin"`
	NetOut    float64 `json:"netout"`
	DiskRead  float64 `json:"diskread"`
	DiskWrite float64 `json:"diskwrite"`
	Uptime    float64 `json:"uptime"`
}

// ProxmoxClient fetches cluster resource snapshots from the Proxmox VE HTTP
// API using an API token.
type ProxmoxClient struct {
	base   string
	token  string
	client *http.Client
}

// NewProxmoxClient builds a client for the given API base URL
// ("https://pve1:8006") and token ("user@realm!name=uuid"). A nil httpClient
// gets a default with a request timeout.
func NewProxmoxClient(base, token string, httpClient *http.Client) *ProxmoxClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: proxmoxRequestTimeout}
	}
	return &ProxmoxClient{base: base, token: token, client: httpClient}
}

// Snapshot implements SnapshotFunc.
func (c *ProxmoxClient) Snapshot(ctx context.Context) ([]ClusterResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api2/json/cluster/resources", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cluster resources request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cluster resources request: unexpected status %s", resp.Status)
	}

	var body struct {
		Data []proxmoxRow `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode cluster resources: %w", err)
	}

	out := make([]ClusterResource, 0, len(body.Data))
	for _, row := range body.Data {
		res, ok := convertProxmoxRow(row)
		if !ok {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func convertProxmoxRow(row proxmoxRow) (ClusterResource, bool) {
	res := ClusterResource{
		Node: row.Node,
		Name: row.Name,
		// The API reports cpu as a load fraction and uptime in seconds;
		// their product grows monotonically enough to serve as the busy
		// counter between polls.
		CPUSeconds: row.CPU * row.Uptime,
		NetIn:      row.NetIn,
		NetOut:     row.NetOut,
		DiskRead:   row.DiskRead,
		DiskWrite:  row.DiskWrite,
		MemUsed:    row.Mem,
		MemMax:     row.MaxMem,
		CPUs:       row.MaxCPU,
	}

	switch row.Type {
	case "node":
		res.Type = "node"
	case "qemu", "lxc":
		res.Type = "guest"
		if row.VMID > 0 {
			res.ID = strconv.FormatInt(row.VMID, 10)
		}
	default:
		return ClusterResource{}, false
	}
	return res, true
}
