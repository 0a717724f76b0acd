package server

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed dist/index.html
var embedFS embed.FS

// indexHTML は埋め込んだビューアーページ
var indexHTML = mustReadEmbedded("dist/index.html")

func mustReadEmbedded(name string) []byte {
	data, err := embedFS.ReadFile(name)
	if err != nil {
		// go:embed で存在が保証されている
		panic(err)
	}
	return data
}

// handleRoot はブラウザ向けのビューアーページを返す
func handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}
