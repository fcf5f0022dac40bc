// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package debug exposes a Manager's registry occupancy and port list over
// HTTP, for operators and the demo CLI's "serve --debug-addr" flag.
package debug

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/Surfndez/graphene/ipc"
)

// Handler routes introspection requests against a single Manager.
type Handler struct {
	mgr *ipc.Manager
}

// NewHandler builds a Handler for mgr.
func NewHandler(mgr *ipc.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// Router returns an httprouter.Router with the introspection routes
// installed: GET /stats and GET /ports.
func (h *Handler) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/stats", h.handleStats)
	r.GET("/ports", h.handlePorts)
	return r
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.mgr.Stats())
}

type portJSON struct {
	PeerID   uint32 `json:"peer_id"`
	RoleMask string `json:"role_mask"`
	RefCount int32  `json:"ref_count"`
	Pending  int    `json:"pending"`
}

func (h *Handler) handlePorts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := h.mgr.Registry().Snapshot()
	out := make([]portJSON, 0, len(snap))
	for _, p := range snap {
		out = append(out, portJSON{
			PeerID:   p.PeerID,
			RoleMask: p.RoleMask.String(),
			RefCount: p.RefCount,
			Pending:  p.Pending,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
