package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// knownModels is the static table of names the proxy accepts. Custom routing
// patterns from the configuration are merged in so clients can discover them.
var knownModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-5",
	"claude-haiku-4-5",
	"gemini-3-pro",
	"gemini-3-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gpt-4o",
	"gpt-4o-mini",
}

func (s *Server) handleModels(c *gin.Context) {
	seen := make(map[string]bool, len(knownModels))
	names := make([]string, 0, len(knownModels))
	for _, name := range knownModels {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for pattern := range s.routes.List() {
		if !seen[pattern] {
			seen[pattern] = true
			names = append(names, pattern)
		}
	}
	for _, name := range s.upstreamModels(c) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  1700000000,
			"owned_by": "antigravity",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

// upstreamModels asks the upstream for its live model list through any
// available account. Failures degrade to the static table.
func (s *Server) upstreamModels(c *gin.Context) []string {
	account := s.bal.Pick(s.accounts.List())
	if account == nil {
		return nil
	}
	body, err := s.exec.FetchAvailableModels(c.Request.Context(), account)
	if err != nil {
		log.Debugf("api: upstream model list unavailable: %v", err)
		return nil
	}
	models := gjson.GetBytes(body, "models")
	if !models.Exists() {
		models = gjson.GetBytes(body, "response.models")
	}
	var names []string
	for _, model := range models.Array() {
		name := model.Get("name").String()
		if name == "" {
			name = model.Get("modelId").String()
		}
		if name = strings.TrimPrefix(name, "models/"); name != "" {
			names = append(names, name)
		}
	}
	return names
}
