package httpapi

import (
	"net/http"

	"github.com/haasonsaas/storyforge/internal/apierrors"
	"github.com/haasonsaas/storyforge/internal/fragments"
)

type createFragmentRequest struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Sticky      bool           `json:"sticky"`
	Placement   string         `json:"placement"`
	Order       int            `json:"order"`
	Tags        []string       `json:"tags"`
	Meta        map[string]any `json:"meta"`
}

type updateFragmentRequest struct {
	Name            *string        `json:"name"`
	Description     *string        `json:"description"`
	Content         *string        `json:"content"`
	Sticky          *bool          `json:"sticky"`
	Placement       *string        `json:"placement"`
	Order           *int           `json:"order"`
	Tags            []string       `json:"tags"`
	Meta            map[string]any `json:"meta"`
	ExpectedVersion int            `json:"expectedVersion"`
}

// handleFragments implements GET (list summaries) and POST (create) for
// /stories/{sid}/fragments.
func (s *Server) handleFragments(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("sid")
	store, err := s.Resources.FragmentStore(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		fragType := clampQueryParam(r, "type")
		includeArchived := clampQueryParam(r, "includeArchived") == "true"
		s.jsonResponse(w, store.ListSummaries(fragType, includeArchived))

	case http.MethodPost:
		var req createFragmentRequest
		if status, err := decodeJSONRequest(w, r, &req); err != nil {
			s.jsonError(w, "invalid request body: "+err.Error(), status)
			return
		}
		if req.Type == "" {
			s.writeAPIError(w, apierrors.New(apierrors.KindValidation, "type is required"))
			return
		}
		frag, err := store.Create(fragments.Fragment{
			Type:        req.Type,
			Name:        req.Name,
			Description: req.Description,
			Content:     req.Content,
			Sticky:      req.Sticky,
			Placement:   fragments.Placement(req.Placement),
			Order:       req.Order,
			Tags:        req.Tags,
			Meta:        req.Meta,
		})
		if err != nil {
			s.writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		s.jsonResponse(w, frag)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFragment implements GET/PATCH/DELETE for
// /stories/{sid}/fragments/{fid}. DELETE archives by default (the undoable,
// listing-hiding operation the corpus's content tools expose); pass
// ?hard=true to permanently remove the file.
func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("sid")
	fid := r.PathValue("fid")
	store, err := s.Resources.FragmentStore(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		frag, err := store.Get(fid)
		if err != nil {
			s.writeAPIError(w, err)
			return
		}
		if frag == nil {
			s.writeAPIError(w, apierrors.New(apierrors.KindNotFound, "fragment not found: "+fid))
			return
		}
		s.jsonResponse(w, frag)

	case http.MethodPatch:
		var req updateFragmentRequest
		if status, err := decodeJSONRequest(w, r, &req); err != nil {
			s.jsonError(w, "invalid request body: "+err.Error(), status)
			return
		}
		patch := fragments.Patch{
			Name:            req.Name,
			Description:     req.Description,
			Content:         req.Content,
			Sticky:          req.Sticky,
			Order:           req.Order,
			Tags:            req.Tags,
			Meta:            req.Meta,
			ExpectedVersion: req.ExpectedVersion,
		}
		if req.Placement != nil {
			p := fragments.Placement(*req.Placement)
			patch.Placement = &p
		}

		var updated *fragments.Fragment
		if req.Content != nil || req.Name != nil || req.Description != nil {
			updated, err = store.UpdateVersioned(fid, patch)
		} else {
			updated, err = store.Update(fid, patch)
		}
		if err != nil {
			s.writeAPIError(w, err)
			return
		}
		s.jsonResponse(w, updated)

	case http.MethodDelete:
		if clampQueryParam(r, "hard") == "true" {
			if err := store.Delete(fid); err != nil {
				s.writeAPIError(w, err)
				return
			}
		} else if err := store.Archive(fid); err != nil {
			s.writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type fragmentTagsRequest struct {
	Tags []string `json:"tags"`
}

// handleFragmentTags implements PUT /stories/{sid}/fragments/{fid}/tags,
// replacing a fragment's tag set without recording a version snapshot.
func (s *Server) handleFragmentTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")
	fid := r.PathValue("fid")

	store, err := s.Resources.FragmentStore(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req fragmentTagsRequest
	if status, err := decodeJSONRequest(w, r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), status)
		return
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}

	updated, err := store.Update(fid, fragments.Patch{Tags: req.Tags})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.jsonResponse(w, updated)
}
