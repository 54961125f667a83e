// Package vast extracts the ad metadata the renderer needs from a VAST document.
package vast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/wapuda/vastreel/internal/jobs"
)

const mp4MIME = "video/mp4"

var (
	// ErrParse indicates the document is not well-formed XML.
	ErrParse = errors.New("invalid XML content in VAST tag")
	// ErrNoMediaFile indicates no non-empty video/mp4 MediaFile exists.
	ErrNoMediaFile = errors.New("could not find a suitable MP4 MediaFile in VAST")
	// ErrNoClickURL indicates neither ClickThrough nor ClickTracking carries a URL.
	ErrNoClickURL = errors.New("could not find ClickThrough or ClickTracking URL in VAST")
)

// Ad is the raw extraction result. Brand and resolved URL are derived later.
type Ad struct {
	Title              string
	MediaFileURL       string
	RawClickthroughURL string
}

// Metadata converts the extraction into the pipeline data model.
func (a Ad) Metadata() jobs.AdMetadata {
	return jobs.AdMetadata{
		Title:              a.Title,
		MediaFileURL:       a.MediaFileURL,
		RawClickthroughURL: a.RawClickthroughURL,
	}
}

// Parse extracts title, MP4 media file and click URL. Searches are
// document-wide and the first match in document order wins.
//
// When ErrNoMediaFile or ErrNoClickURL is returned the partially filled Ad
// is still returned so callers can report what was found.
func Parse(doc []byte) (Ad, error) {
	d := etree.NewDocument()
	if err := d.ReadFromBytes(doc); err != nil {
		return Ad{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	root, err := documentElement(d)
	if err != nil {
		return Ad{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	ad := Ad{Title: jobs.DefaultTitle}
	if el := root.FindElement(".//AdTitle"); el != nil {
		if t := strings.TrimSpace(el.Text()); t != "" {
			ad.Title = t
		}
	}

	for _, mf := range root.FindElements(".//MediaFile") {
		if mf.SelectAttrValue("type", "") != mp4MIME {
			continue
		}
		if u := strings.TrimSpace(mf.Text()); u != "" {
			ad.MediaFileURL = u
			break
		}
	}
	if ad.MediaFileURL == "" {
		return ad, ErrNoMediaFile
	}

	ad.RawClickthroughURL = firstText(root, ".//ClickThrough")
	if ad.RawClickthroughURL == "" {
		ad.RawClickthroughURL = firstText(root, ".//ClickTracking")
	}
	if ad.RawClickthroughURL == "" {
		return ad, ErrNoClickURL
	}
	return ad, nil
}

// documentElement returns the single top-level element. Text other than
// whitespace, or a second element, outside it makes the document malformed.
func documentElement(d *etree.Document) (*etree.Element, error) {
	var root *etree.Element
	for _, tok := range d.Child {
		switch t := tok.(type) {
		case *etree.Element:
			if root != nil {
				return nil, fmt.Errorf("junk after document element: <%s>", t.Tag)
			}
			root = t
		case *etree.CharData:
			if strings.TrimSpace(t.Data) != "" {
				return nil, errors.New("text outside the document element")
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	return root, nil
}

func firstText(root *etree.Element, path string) string {
	el := root.FindElement(path)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}
