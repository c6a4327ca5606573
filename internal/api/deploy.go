package api

import (
	"io"
	"net/http"

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/model"
)

// maxUploadBody bounds multipart deploy requests slightly above the
// engine's own 100 MB archive cap so oversize uploads fail fast.
const maxUploadBody = 110 << 20

type deployGitRequest struct {
	Site    string `json:"site" validate:"required"`
	RepoURL string `json:"repo_url" validate:"required"`
	Branch  string `json:"branch"`
}

// @Summary Deploy from git
// @Description Clones or resets the site content from a git repository and rebuilds
// @Accept json
// @Produce json
// @Param body body deployGitRequest true "Repository to deploy"
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse "Unsupported git host"
// @Router /api/deploy/github [post]
func (s *Server) handleDeployGit(w http.ResponseWriter, r *http.Request) {
	var req deployGitRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	output, err := s.engine.DeployGit(r.Context(), req.Site, req.RepoURL, req.Branch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

type deployPullRequest struct {
	Site string `json:"site" validate:"required"`
}

// @Summary Pull latest
// @Description Fast-forwards the site's configured repository and rebuilds
// @Accept json
// @Produce json
// @Param body body deployPullRequest true "Site to pull"
// @Success 200 {object} actionResponse
// @Failure 404 {object} errorResponse "No repository configured"
// @Router /api/deploy/pull [post]
func (s *Server) handleDeployPull(w http.ResponseWriter, r *http.Request) {
	var req deployPullRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	output, err := s.engine.Pull(r.Context(), req.Site)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Deploy zip archive
// @Description Uploads a .zip, unpacks it into the content directory and rebuilds
// @Accept multipart/form-data
// @Produce json
// @Param site formData string true "Site name"
// @Param file formData file true "Zip archive"
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse
// @Router /api/deploy/upload [post]
func (s *Server) handleDeployUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, model.WrapErr(model.KindValidation, err, "invalid multipart body"))
		return
	}

	site := r.FormValue("site")
	if site == "" {
		writeError(w, r, model.Errorf(model.KindValidation, "site form field is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, model.WrapErr(model.KindValidation, err, "file form field is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, model.WrapErr(model.KindValidation, err, "reading uploaded file"))
		return
	}

	output, err := s.engine.DeployUpload(r.Context(), site, header.Filename, content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Deploy folder
// @Description Uploads many files with relative paths and swaps them into the content directory
// @Accept multipart/form-data
// @Produce json
// @Param site formData string true "Site name"
// @Param files formData file true "Files with relative paths as filenames"
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse
// @Router /api/deploy/folder [post]
func (s *Server) handleDeployFolder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, model.WrapErr(model.KindValidation, err, "invalid multipart body"))
		return
	}

	site := r.FormValue("site")
	if site == "" {
		writeError(w, r, model.Errorf(model.KindValidation, "site form field is required"))
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, r, model.Errorf(model.KindValidation, "files form field is required"))
		return
	}

	files := make([]actions.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, model.WrapErr(model.KindValidation, err, "opening uploaded file %s", fh.Filename))
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, model.WrapErr(model.KindValidation, err, "reading uploaded file %s", fh.Filename))
			return
		}
		files = append(files, actions.UploadedFile{Path: fh.Filename, Content: content})
	}

	output, err := s.engine.DeployFolder(r.Context(), site, files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Deploy status
// @Description Reports the configured repository and last deployed commit for a site
// @Produce json
// @Param site path string true "Site name"
// @Success 200 {object} actions.DeployInfo
// @Failure 404 {object} errorResponse "Site not found"
// @Router /api/deploy/{site}/status [get]
func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.DeployStatus(r.Context(), r.PathValue("site"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, info)
}
