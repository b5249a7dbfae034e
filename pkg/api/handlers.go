package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tispace-dev/tispace/pkg/admission"
	"github.com/tispace-dev/tispace/pkg/apierrors"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	username := UsernameFromContext(r.Context())
	dtos, err := s.admission.ListInstances(username)
	if err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusOK, dtos)
}

// createInstanceBody is the wire shape of POST /instances.
type createInstanceBody struct {
	Name        string `json:"hostname"`
	CPU         int    `json:"cpu"`
	Memory      int    `json:"memory"`
	DiskSize    int    `json:"disk_size"`
	Image       string `json:"image"`
	Runtime     string `json:"runtime"`
	NodeName    string `json:"node_name,omitempty"`
	StoragePool string `json:"storage_pool,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body createInstanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		RespondError(w, http.StatusBadRequest, apierrors.New(apierrors.KindInvalidArgs, "malformed request body"))
		return
	}

	username := UsernameFromContext(r.Context())
	dto, err := s.admission.CreateInstance(username, admission.CreateInstanceRequest{
		Name: body.Name, CPU: body.CPU, Memory: body.Memory, DiskSize: body.DiskSize,
		Image: body.Image, Runtime: body.Runtime,
		NodeName: body.NodeName, StoragePool: body.StoragePool,
	})
	if err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusCreated, dto)
}

// updateInstanceBody is the wire shape of PATCH /instances/:name. Absent
// fields are left unchanged.
type updateInstanceBody struct {
	CPU     *int    `json:"cpu,omitempty"`
	Memory  *int    `json:"memory,omitempty"`
	Runtime *string `json:"runtime,omitempty"`
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var body updateInstanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		RespondError(w, http.StatusBadRequest, apierrors.New(apierrors.KindInvalidArgs, "malformed request body"))
		return
	}

	username := UsernameFromContext(r.Context())
	name := chi.URLParam(r, "name")
	err := s.admission.UpdateInstance(username, name, admission.UpdateInstanceRequest{
		CPU: body.CPU, Memory: body.Memory, Runtime: body.Runtime,
	})
	if err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	username := UsernameFromContext(r.Context())
	name := chi.URLParam(r, "name")
	if err := s.admission.DeleteInstance(username, name); err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	username := UsernameFromContext(r.Context())
	name := chi.URLParam(r, "name")
	if err := s.admission.StartInstance(username, name); err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	username := UsernameFromContext(r.Context())
	name := chi.URLParam(r, "name")
	if err := s.admission.StopInstance(username, name); err != nil {
		RespondError(w, apierrors.StatusFor(err), err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}
