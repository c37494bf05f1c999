package models

import "fmt"

// ThreadID uniquely identifies one archivable thread: the site it lives on,
// the board code and the numeric thread id. It is comparable and used as the
// key for active-download tracking and for directory naming.
type ThreadID struct {
	Site  string `json:"site" yaml:"site"`
	Board string `json:"board" yaml:"board"`
	No    int    `json:"no" yaml:"no"`
}

// String renders the identity the way it appears on disk, e.g. "4chan/g/11223344".
func (t ThreadID) String() string {
	return fmt.Sprintf("%s/%s/%d", t.Site, t.Board, t.No)
}

// Post is a single post of a thread as supplied by the external fetch layer.
type Post struct {
	No      int         `json:"no"`
	Name    string      `json:"name,omitempty"`
	Comment string      `json:"comment,omitempty"`
	Time    int64       `json:"time,omitempty"`
	Images  []PostImage `json:"images,omitempty"`
}

// PostImage describes one attachment of a post. ServerFilename is the name
// the remote server assigned (without extension); the on-disk original and
// thumbnail variants are derived from it by the layout package.
type PostImage struct {
	ServerFilename string `json:"server_filename"`
	Extension      string `json:"extension"`
	URL            string `json:"url"`
	ThumbnailURL   string `json:"thumbnail_url"`
	SpoilerURL     string `json:"spoiler_url,omitempty"`
	// Inlined files are embedded in the post body and are not archived.
	Inlined bool `json:"inlined,omitempty"`
}
