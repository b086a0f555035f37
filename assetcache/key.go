package assetcache

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"strings"
)

// deriveKey maps an asset URI to its cache filename: the FNV-1a 32-bit hash
// of the full URI in hex, plus the detected extension. FNV gives stable,
// platform-independent unsigned arithmetic, and carrying the extension keeps
// image decoders and file associations working on the local copy.
func deriveKey(uri string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uri))
	return fmt.Sprintf("%08x%s", h.Sum32(), detectExtension(uri))
}

// detectExtension pulls the file extension from the URI path, ignoring query
// and fragment. Unrecognizable URIs fall back to ".bin".
func detectExtension(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	return ext
}
