package webmonitor

import (
	"net/http"
	"path"
)

// assetHandler serves static files, looking in each directory in turn so
// that freshly built assets shadow the checked-in ones.
type assetHandler struct {
	dirs []http.Dir
}

func newAssetHandler(dirs ...string) *assetHandler {
	h := &assetHandler{}
	for _, dir := range dirs {
		if dir != "" {
			h.dirs = append(h.dirs, http.Dir(dir))
		}
	}
	return h
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	for _, dir := range h.dirs {
		f, err := dir.Open(name)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			f.Close()
			continue
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		f.Close()
		return
	}
	http.NotFound(w, r)
}
