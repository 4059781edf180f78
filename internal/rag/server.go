package rag

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"virlaw/internal/config"
)

const (
	maxUploadBytes  = 10 << 20
	maxInlineDoc    = 8000
	systemPrompt    = "You are VirLaw, a legal research assistant. Answer using the supplied context excerpts when they are relevant, and say so when they are not."
	promptSeparator = "\n\n---\n\n"
)

// Server answers /gemini-rag requests: it grounds the prompt on the
// local document index and generates the reply with the configured chat
// model.
type Server struct {
	index *Index
	model model.ToolCallingChatModel
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	index, err := LoadIndex(cfg.RAG.DocumentsDir)
	if err != nil {
		return nil, err
	}
	log.Printf("rag index: %d chunks from %s", index.Len(), cfg.RAG.DocumentsDir)
	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{index: index, model: chatModel}, nil
}

// RegisterRoutes attaches the rag endpoints.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.POST("/gemini-rag", s.answer)
	router.GET("/health", s.health)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type answerRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) answer(c *gin.Context) {
	var (
		prompt   string
		fileName string
		fileText string
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		prompt = c.PostForm("prompt")
		header, err := c.FormFile("file")
		if err == nil {
			fileName = filepath.Base(header.Filename)
			f, err := header.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
				return
			}
			raw, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
			f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
				return
			}
			if utf8.Valid(raw) {
				fileText = string(raw)
				if len(fileText) > maxInlineDoc {
					fileText = fileText[:maxInlineDoc]
				}
			}
		}
	} else {
		var req answerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		prompt = req.Prompt
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" && fileName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if prompt == "" {
		prompt = "Summarize the attached document."
	}

	messages := []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: s.buildUserContent(prompt, fileName, fileText)},
	}
	reply, err := s.model.Generate(c.Request.Context(), messages)
	if err != nil {
		log.Printf("rag generate: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("generation failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": reply.Content})
}

func (s *Server) buildUserContent(prompt, fileName, fileText string) string {
	var b strings.Builder
	if excerpts := s.index.Retrieve(prompt, defaultTopK); len(excerpts) > 0 {
		b.WriteString("Context excerpts:\n")
		for _, e := range excerpts {
			b.WriteString(e)
			b.WriteString("\n")
		}
		b.WriteString(promptSeparator)
	}
	if fileName != "" {
		if fileText != "" {
			fmt.Fprintf(&b, "Attached document %s:\n%s%s", fileName, fileText, promptSeparator)
		} else {
			fmt.Fprintf(&b, "The user attached a file named %s whose content could not be read as text.%s", fileName, promptSeparator)
		}
	}
	b.WriteString(prompt)
	return b.String()
}
