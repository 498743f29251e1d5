package handlers

import (
	"net/http"

	"carrymate/internal/config"
	"carrymate/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UploadHandler 文件上传处理器：聊天附件与个人资料文件走不同的大小上限
type UploadHandler struct {
	store  storage.ObjectStore
	cfg    *config.Config
	logger *logrus.Logger
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(store storage.ObjectStore, cfg *config.Config, logger *logrus.Logger) *UploadHandler {
	return &UploadHandler{store: store, cfg: cfg, logger: logger}
}

// uploadResponse 上传成功后返回的附件描述，可直接作为消息附件提交
type uploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

func (h *UploadHandler) upload(c *gin.Context, kind string, maxSize int64, checkType bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid upload",
			Message: "file field is required",
		})
		return
	}
	if fileHeader.Size > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "File too large",
			Message: "file exceeds the allowed size limit",
		})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if checkType && len(h.cfg.Upload.AllowedTypes) > 0 {
		allowed := false
		for _, t := range h.cfg.Upload.AllowedTypes {
			if t == mimeType {
				allowed = true
				break
			}
		}
		if !allowed {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Unsupported file type",
				Message: mimeType + " is not allowed",
			})
			return
		}
	}

	src, err := fileHeader.Open()
	if err != nil {
		h.logger.Errorf("Failed to open upload: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read upload",
			Message: err.Error(),
		})
		return
	}
	defer src.Close()

	path := storage.ObjectPath(kind, fileHeader.Filename)
	url, err := h.store.Put(path, src, fileHeader.Size)
	if err != nil {
		h.logger.Errorf("Failed to store upload: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to store upload",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, uploadResponse{
		URL:      url,
		FileName: fileHeader.Filename,
		MimeType: mimeType,
		Size:     fileHeader.Size,
	})
}

// UploadChatAttachment 上传聊天附件
// @Summary 上传聊天附件
// @Tags 上传
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "文件"
// @Success 201 {object} uploadResponse
// @Failure 413 {object} ErrorResponse
// @Router /api/uploads/chat [post]
func (h *UploadHandler) UploadChatAttachment(c *gin.Context) {
	h.upload(c, storage.KindChatAttachment, h.cfg.Chat.MaxAttachmentSize, false)
}

// UploadProfileFile 上传个人资料文件（头像、证件）
// @Summary 上传个人资料文件
// @Tags 上传
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "文件"
// @Success 201 {object} uploadResponse
// @Failure 413 {object} ErrorResponse
// @Router /api/uploads/profile [post]
func (h *UploadHandler) UploadProfileFile(c *gin.Context) {
	h.upload(c, storage.KindProfile, h.cfg.Upload.MaxProfileSize, true)
}

// RegisterUploadRoutes 注册上传路由
func RegisterUploadRoutes(r *gin.RouterGroup, handler *UploadHandler) {
	uploads := r.Group("/uploads")
	{
		uploads.POST("/chat", handler.UploadChatAttachment)
		uploads.POST("/profile", handler.UploadProfileFile)
	}
}
