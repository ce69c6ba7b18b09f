package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/huykn/triage-edge/types"
)

const inlineOfflinePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>Triage data entered here is kept on this device and will sync when the connection returns.</p></body>
</html>
`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200"><rect width="200" height="200" fill="#e5e7eb"/><text x="100" y="105" font-family="sans-serif" font-size="14" text-anchor="middle" fill="#6b7280">Offline</text></svg>`

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".webp": true, ".ico": true, ".avif": true,
}

type offlineBody struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	Cache     string `json:"cache"`
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func assetResponse(req *http.Request, asset types.Asset) *http.Response {
	header := asset.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("X-Cache", "HIT")
	header.Set("X-Cache-Generation", asset.Generation)
	return newResponse(req, asset.Status, header, asset.Body)
}

func offlineAPIResponse(req *http.Request, now time.Time) *http.Response {
	body, _ := json.Marshal(offlineBody{
		Error:     "you are offline",
		Timestamp: now.UTC().Format(time.RFC3339),
		Cache:     "miss",
	})
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return newResponse(req, http.StatusServiceUnavailable, header, body)
}

func offlinePageResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(inlineOfflinePage))
}

func placeholderResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "image/svg+xml")
	header.Set("X-Offline-Placeholder", "1")
	return newResponse(req, http.StatusOK, header, []byte(placeholderSVG))
}

func networkErrorResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(req, http.StatusRequestTimeout, header, []byte("Network error"))
}

func isImageRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}
