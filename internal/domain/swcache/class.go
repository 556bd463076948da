package swcache

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ResourceClass is the caching-policy bucket assigned to a request.
type ResourceClass string

const (
	// ClassUnhandled means the request bypasses caching entirely.
	ClassUnhandled ResourceClass = ""
	ClassAPI       ResourceClass = "api"
	ClassImage     ResourceClass = "image"
	ClassStatic    ResourceClass = "static"
	ClassDocument  ResourceClass = "document"
)

// DefaultAPIPrefix is the path prefix routed to the api class.
const DefaultAPIPrefix = "/api/"

var allClasses = []ResourceClass{ClassAPI, ClassImage, ClassStatic, ClassDocument}

// AllClasses returns the handled classes in classification order.
func AllClasses() []ResourceClass {
	out := make([]ResourceClass, len(allClasses))
	copy(out, allClasses)
	return out
}

func ParseResourceClass(raw string) (ResourceClass, error) {
	trimmed := ResourceClass(strings.ToLower(strings.TrimSpace(raw)))
	switch trimmed {
	case ClassAPI, ClassImage, ClassStatic, ClassDocument:
		return trimmed, nil
	case "images":
		return ClassImage, nil
	case "documents":
		return ClassDocument, nil
	}
	return ClassUnhandled, fmt.Errorf("%w: %q", ErrInvalidClass, raw)
}

var (
	imagePattern  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg)$`)
	staticPattern = regexp.MustCompile(`(?i)\.(js|css|woff|woff2|ttf|eot)$`)
)

// RequestInfo is the part of an outgoing request the classifier looks at.
type RequestInfo struct {
	URL *url.URL
	// Destination is the fetch destination (image, script, style, document, ...),
	// as sent in the Sec-Fetch-Dest header.
	Destination string
	Accept      string
}

func RequestInfoFromHTTP(r *http.Request) RequestInfo {
	if r == nil {
		return RequestInfo{}
	}
	return RequestInfo{
		URL:         r.URL,
		Destination: strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))),
		Accept:      r.Header.Get("Accept"),
	}
}

// Classifier maps requests to resource classes. It is immutable and safe for
// concurrent use.
type Classifier struct {
	origin    *url.URL
	apiPrefix string
}

// NewClassifier returns a classifier for the given origin. A nil origin treats
// every request as same-origin.
func NewClassifier(origin *url.URL, apiPrefix string) *Classifier {
	prefix := strings.TrimSpace(apiPrefix)
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	var o *url.URL
	if origin != nil {
		o = &url.URL{Scheme: strings.ToLower(origin.Scheme), Host: strings.ToLower(origin.Host)}
	}
	return &Classifier{origin: o, apiPrefix: prefix}
}

func (c *Classifier) APIPrefix() string {
	return c.apiPrefix
}

// Classify applies the fixed first-match order: api, image, static, document.
// Cross-origin requests are only classified when they target the api prefix.
func (c *Classifier) Classify(info RequestInfo) ResourceClass {
	if info.URL == nil {
		return ClassUnhandled
	}

	path := info.URL.Path
	if path == "" {
		path = "/"
	}
	isAPI := strings.HasPrefix(path, c.apiPrefix)

	if !isAPI && !c.sameOrigin(info.URL) {
		return ClassUnhandled
	}

	dest := strings.ToLower(info.Destination)
	switch {
	case isAPI:
		return ClassAPI
	case dest == "image" || imagePattern.MatchString(path):
		return ClassImage
	case dest == "script" || dest == "style" || staticPattern.MatchString(path):
		return ClassStatic
	case dest == "document" || strings.Contains(strings.ToLower(info.Accept), "text/html"):
		return ClassDocument
	default:
		return ClassUnhandled
	}
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if c.origin == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}
