// Package upload is the HTTP front end: it accepts metafile uploads, validates them and
// optionally starts their download.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/NYTimes/gziphandler"
	"github.com/dustin/go-humanize"
	"github.com/jpillora/requestlog"

	"github.com/WendelHime/swarmget/internal/decoder"
	"github.com/WendelHime/swarmget/internal/logic"
	"github.com/WendelHime/swarmget/internal/shared/models"
)

const (
	MaxUploadSize = 10 << 20
	FormField     = "torrent"
)

type Options struct {
	UploadDir   string
	DownloadDir string
	Autostart   bool
	// LogRequests wraps the handler with an access log.
	LogRequests bool
}

type Handler struct {
	decoder    decoder.MetafileDecoder
	downloader logic.Downloader
	opts       Options
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	downloads map[string]*logic.Download
}

func NewHandler(dec decoder.MetafileDecoder, downloader logic.Downloader, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		decoder:    dec,
		downloader: downloader,
		opts:       opts,
		log:        logger,
		ctx:        ctx,
		cancel:     cancel,
		downloads:  make(map[string]*logic.Download),
	}
}

// HTTPHandler builds the handler chain, from last to first: routes, gzip, CORS, liveness
// and the optional access log.
func (h *Handler) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", h.upload)
	mux.HandleFunc("GET /downloads", h.list)

	handler := http.Handler(mux)
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 0)
	handler = gzipWrap(handler)
	handler = corsWrap(handler)
	handler = livenessWrap(handler)
	if h.opts.LogRequests {
		handler = requestlog.Wrap(handler)
	}
	return handler
}

// Close cancels every download started by the handler and waits for them to end.
func (h *Handler) Close() {
	h.cancel()
	h.mu.Lock()
	downloads := make([]*logic.Download, 0, len(h.downloads))
	for _, dl := range h.downloads {
		downloads = append(downloads, dl)
	}
	h.mu.Unlock()
	for _, dl := range downloads {
		<-dl.Done()
	}
}

type uploadResponse struct {
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Length   int64  `json:"length"`
	Size     string `json:"size"`
	Pieces   int    `json:"pieces"`
	Stored   string `json:"stored"`
	Started  bool   `json:"started"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	tooLargeMsg := fmt.Sprintf("upload exceeds %s", humanize.IBytes(MaxUploadSize))
	if r.ContentLength > MaxUploadSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: tooLargeMsg})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, _, err := r.FormFile(FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: tooLargeMsg})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("missing %q file", FormField)})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read upload"})
		return
	}
	meta, err := h.decoder.Decode(bytes.NewReader(data))
	if err != nil {
		h.log.Warn("rejected upload", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	stored := filepath.Join(h.opts.UploadDir, meta.InfoHash.String()+".torrent")
	if err := os.MkdirAll(h.opts.UploadDir, 0755); err != nil {
		h.internalError(w, "failed to create upload directory", err)
		return
	}
	if err := os.WriteFile(stored, data, 0644); err != nil {
		h.internalError(w, "failed to store upload", err)
		return
	}

	resp := uploadResponse{
		Name:     meta.Info.Name,
		InfoHash: meta.InfoHash.String(),
		Length:   meta.Info.Length,
		Size:     humanize.IBytes(uint64(meta.Info.Length)),
		Pieces:   meta.Info.TotalPieces(),
		Stored:   stored,
	}
	h.log.Info("stored upload", slog.String("name", resp.Name), slog.String("info_hash", resp.InfoHash))

	status := http.StatusOK
	if h.opts.Autostart {
		started, err := h.start(resp.InfoHash, meta)
		if err != nil {
			h.internalError(w, "failed to start download", err)
			return
		}
		resp.Started = started
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// start begins the download unless one for the same info hash is already known.
func (h *Handler) start(infoHash string, meta models.Metafile) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.downloads[infoHash]; ok {
		return false, nil
	}
	outputPath := filepath.Join(h.opts.DownloadDir, logic.OutputName(meta.Info.Name))
	dl, err := h.downloader.StartDownload(h.ctx, meta, outputPath)
	if err != nil {
		return false, err
	}
	h.downloads[infoHash] = dl
	return true, nil
}

type downloadStatus struct {
	Name     string  `json:"name"`
	InfoHash string  `json:"info_hash"`
	Path     string  `json:"path"`
	Percent  float64 `json:"percent"`
	Peers    int     `json:"peers"`
	Done     bool    `json:"done"`
	Error    string  `json:"error,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	statuses := make([]downloadStatus, 0, len(h.downloads))
	for infoHash, dl := range h.downloads {
		s := downloadStatus{
			Name:     dl.Metafile().Info.Name,
			InfoHash: infoHash,
			Path:     dl.Path(),
			Percent:  dl.PercentDone(),
			Peers:    dl.Peers(),
		}
		select {
		case <-dl.Done():
			s.Done = true
			if err := dl.Wait(); err != nil {
				s.Error = err.Error()
			}
		default:
		}
		statuses = append(statuses, s)
	}
	h.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsWrap lets browser front ends on other origins call the API.
func corsWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func livenessWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
			return
		}
		h.ServeHTTP(w, r)
	})
}
