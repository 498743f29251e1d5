package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"carrymate/internal/config"
	"carrymate/internal/storage"
)

func newUploadTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	store, err := storage.NewDiskStore(t.TempDir(), cfg.Upload.PublicBaseURL)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	handler := NewUploadHandler(store, cfg, newChatHandlerTestLogger())

	r := gin.New()
	api := r.Group("/api")
	RegisterUploadRoutes(api, handler)
	return r
}

func multipartBody(t *testing.T, fieldName, fileName, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+fieldName+`"; filename="`+fileName+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte(content))
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestUploadHandler_ChatAttachment(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	r := newUploadTestRouter(t, cfg)

	body, contentType := multipartBody(t, "file", "receipt.pdf", "application/pdf", "pdf-bytes")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/uploads/chat", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		URL      string `json:"url"`
		FileName string `json:"file_name"`
		Size     int64  `json:"size"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp.URL, cfg.Upload.PublicBaseURL) {
		t.Errorf("url = %s, want %s prefix", resp.URL, cfg.Upload.PublicBaseURL)
	}
	if resp.FileName != "receipt.pdf" || resp.Size != int64(len("pdf-bytes")) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUploadHandler_ChatAttachment_TooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.Chat.MaxAttachmentSize = 4
	r := newUploadTestRouter(t, cfg)

	body, contentType := multipartBody(t, "file", "big.bin", "application/octet-stream", "way too many bytes")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/uploads/chat", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestUploadHandler_ProfileFile_TypeCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.Upload.AllowedTypes = []string{"image/jpeg", "image/png"}
	r := newUploadTestRouter(t, cfg)

	// 不在白名单内的类型被拒
	body, contentType := multipartBody(t, "file", "malware.exe", "application/x-msdownload", "nope")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/uploads/profile", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("disallowed type status = %d, want 400", w.Code)
	}

	body, contentType = multipartBody(t, "file", "id.png", "image/png", "png-bytes")
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/api/uploads/profile", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("allowed type status = %d, want 201; body=%s", w.Code, w.Body.String())
	}
}

func TestUploadHandler_MissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newUploadTestRouter(t, config.GetDefaultConfig())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/uploads/chat", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
