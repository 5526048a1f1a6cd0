// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reviewer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
)

// RPCRequest is the single envelope the browser UI posts. The method selects
// the operation; the data payload is method-specific.
type RPCRequest struct {
	RequestMethod string          `json:"request_method" binding:"required"`
	RequestData   json.RawMessage `json:"request_data"`
}

// RPCResponse is the envelope returned for every RPC call. ResponseMethod
// tells the UI which view to render with ResponseData.
type RPCResponse struct {
	ResponseMethod string `json:"response_method"`
	ResponseData   any    `json:"response_data"`
	ResponseHTML   string `json:"response_html,omitempty"`
}

// crateVersionParams is the payload of version-addressed methods.
type crateVersionParams struct {
	CrateName    string `json:"crate_name" binding:"required"`
	CrateVersion string `json:"crate_version"`
}

type publisherParams struct {
	PublisherURL string `json:"publisher_url" binding:"required"`
	Note         string `json:"note"`
}

// Handler adapts the review service to the RPC envelope.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler creates the RPC handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, log: logger}
}

// RPC is the single POST endpoint behind the UI.
//
// Description: Decodes the envelope, dispatches on the method name and
// answers with a response envelope. Domain errors map to 4xx with the error
// text in the envelope so the UI can show a modal; everything else is a 500.
func (h *Handler) RPC(c *gin.Context) {
	reqID := uuid.NewString()
	var req RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, RPCResponse{
			ResponseMethod: "error",
			ResponseData:   gin.H{"message": "malformed request envelope: " + err.Error()},
		})
		return
	}
	log := h.log.With(slog.String("request_id", reqID), slog.String("method", req.RequestMethod))
	log.Debug("rpc request")

	method, data, err := h.dispatch(c, &req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnknownMethod), errors.Is(err, ErrInvalidReview):
			status = http.StatusBadRequest
		case errors.Is(err, ErrReviewNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrAlreadyReviewed), errors.Is(err, ErrSourceNotCached):
			status = http.StatusConflict
		}
		if status == http.StatusInternalServerError {
			log.Error("rpc failed", slog.Any("error", err))
		} else {
			log.Info("rpc rejected", slog.Any("error", err))
		}
		c.JSON(status, RPCResponse{
			ResponseMethod: "error",
			ResponseData:   gin.H{"message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, RPCResponse{ResponseMethod: method, ResponseData: data})
}

func bindParams[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, errors.New("missing request data")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, err
	}
	return params, nil
}

// dispatch routes one RPC request and returns the response method and data.
func (h *Handler) dispatch(c *gin.Context, req *RPCRequest) (string, any, error) {
	ctx := c.Request.Context()
	switch req.RequestMethod {

	case "review_list":
		list, err := h.svc.ListReviews()
		return "review_list", list, err

	case "review_new":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		dto := h.svc.NewReviewTemplate(p.CrateName, p.CrateVersion)
		return "review_edit", dto, nil

	case "review_edit":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		dto, err := h.svc.EditReview(p.CrateName, p.CrateVersion)
		return "review_edit", dto, err

	case "review_edit_or_new":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		dto, err := h.svc.EditOrNewReview(p.CrateName, p.CrateVersion)
		return "review_edit", dto, err

	case "review_new_version":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		dto, err := h.svc.NewVersionOfReview(ctx, p.CrateName, p.CrateVersion)
		return "review_edit", dto, err

	case "review_save":
		dto, err := bindParams[ReviewDTO](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.SaveReview(ctx, dto); err != nil {
			return "", nil, err
		}
		list, err := h.svc.ListReviews()
		return "review_list", list, err

	case "review_delete":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.DeleteReview(ctx, p.CrateName, p.CrateVersion); err != nil {
			return "", nil, err
		}
		list, err := h.svc.ListReviews()
		return "review_list", list, err

	case "review_publish":
		out, err := h.svc.Publish(ctx)
		return "subprocess_output", out, err

	case "version_list":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		list, err := h.svc.ListVersions(ctx, p.CrateName)
		return "version_list", list, err

	case "dependency_tree":
		tree, err := h.svc.DependencyTree(ctx)
		return "dependency_tree", tree, err

	case "verify_list":
		list, err := h.svc.VerifyList(ctx)
		return "verify_list", list, err

	case "repair_missing_sources":
		report, err := h.svc.RepairMissingSources(ctx)
		return "repair_report", report, err

	case "repair_digests":
		report, err := h.svc.RepairDigests(ctx)
		return "repair_report", report, err

	case "unclean_list":
		list, err := h.svc.ListUncleanSources()
		return "unclean_list", list, err

	case "publisher_list":
		list, err := h.svc.ListPublishers()
		return "publisher_list", list, err

	case "publisher_save":
		p, err := bindParams[publisherParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.SavePublisher(records.PublisherItem(p)); err != nil {
			return "", nil, err
		}
		list, err := h.svc.ListPublishers()
		return "publisher_list", list, err

	case "publisher_delete":
		p, err := bindParams[publisherParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.DeletePublisher(p.PublisherURL); err != nil {
			return "", nil, err
		}
		list, err := h.svc.ListPublishers()
		return "publisher_list", list, err

	case "config_edit":
		cfg, err := h.svc.GetConfig()
		return "config_edit", cfg, err

	case "config_save":
		cfg, err := bindParams[records.Config](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.SaveConfig(cfg); err != nil {
			return "", nil, err
		}
		return "config_edit", cfg, nil

	case "registry_index_update":
		if err := h.svc.UpdateRegistryIndex(ctx); err != nil {
			return "", nil, err
		}
		return "subprocess_output", OutputDTO{Output: "registry index updated"}, nil

	case "open_source_code":
		p, err := bindParams[crateVersionParams](req.RequestData)
		if err != nil {
			return "", nil, err
		}
		if err := h.svc.OpenSourceCode(ctx, p.CrateName, p.CrateVersion); err != nil {
			return "", nil, err
		}
		return "subprocess_output", OutputDTO{Output: "editor opened"}, nil

	case "sync_reviews":
		h.svc.SyncAll(ctx)
		return "subprocess_output", OutputDTO{Output: "sync scheduled"}, nil

	default:
		return "", nil, ErrUnknownMethod
	}
}
