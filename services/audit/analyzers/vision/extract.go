// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vision

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Image is one candidate diagram.
type Image struct {
	// Source identifies the image, e.g. "report.pdf#img2" or a file path.
	Source string
	MIME   string
	Data   []byte
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

var (
	dctDecode     = []byte("/DCTDecode")
	streamKeyword = []byte("stream")
	endStream     = []byte("endstream")
	jpegSOI       = []byte{0xFF, 0xD8, 0xFF}

	markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
)

// ExtractPDFImages returns up to limit JPEG images stored as DCTDecode
// streams in a PDF.
//
// Description:
//
//	Only streams whose sole filter is DCTDecode hold a raw JPEG that can be
//	passed on unchanged; streams that stack another filter are skipped.
func ExtractPDFImages(data []byte, source string, limit int) []Image {
	var out []Image
	pos := 0
	for limit <= 0 || len(out) < limit {
		i := bytes.Index(data[pos:], dctDecode)
		if i < 0 {
			break
		}
		pos += i + len(dctDecode)

		s := bytes.Index(data[pos:], streamKeyword)
		if s < 0 {
			break
		}
		start := pos + s + len(streamKeyword)
		if start < len(data) && data[start] == '\r' {
			start++
		}
		if start < len(data) && data[start] == '\n' {
			start++
		}
		e := bytes.Index(data[start:], endStream)
		if e < 0 {
			break
		}
		end := start + e
		pos = end + len(endStream)

		img := bytes.TrimRight(data[start:end], "\r\n")
		if !bytes.HasPrefix(img, jpegSOI) {
			continue
		}
		out = append(out, Image{
			Source: fmt.Sprintf("%s#img%d", source, len(out)+1),
			MIME:   "image/jpeg",
			Data:   bytes.Clone(img),
		})
	}
	return out
}

// MarkdownImageRefs returns the local image paths referenced by a Markdown
// document, resolved against baseDir. Remote URLs are skipped.
func MarkdownImageRefs(markdown []byte, baseDir string) []string {
	var out []string
	for _, m := range markdownImage.FindAllSubmatch(markdown, -1) {
		ref := string(m[1])
		if strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") {
			continue
		}
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(baseDir, ref)
		}
		out = append(out, filepath.Clean(ref))
	}
	return out
}

// loadImages collects candidate images for locator.
func (in *Inspector) loadImages(locator string) ([]Image, error) {
	ext := strings.ToLower(filepath.Ext(locator))
	switch {
	case ext == ".pdf":
		data, err := in.readFile(locator)
		if err != nil {
			return nil, err
		}
		return ExtractPDFImages(data, filepath.Base(locator), in.cfg.MaxImages), nil

	case ext == ".md" || ext == ".markdown":
		data, err := in.readFile(locator)
		if err != nil {
			return nil, err
		}
		var out []Image
		for _, ref := range MarkdownImageRefs(data, filepath.Dir(locator)) {
			if len(out) == in.cfg.MaxImages {
				break
			}
			img, err := in.loadImageFile(ref)
			if err != nil {
				in.logger.Debug("skipping image reference",
					slog.String("ref", ref),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = append(out, img)
		}
		return out, nil

	case imageExts[ext]:
		img, err := in.loadImageFile(locator)
		if err != nil {
			return nil, err
		}
		return []Image{img}, nil

	default:
		if _, err := os.Stat(locator); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (in *Inspector) loadImageFile(path string) (Image, error) {
	if !imageExts[strings.ToLower(filepath.Ext(path))] {
		return Image{}, fmt.Errorf("%w: %s", ErrNotImage, path)
	}
	data, err := in.readFile(path)
	if err != nil {
		return Image{}, err
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("%w: %s is %s", ErrNotImage, path, mime)
	}
	return Image{Source: path, MIME: mime, Data: data}, nil
}

func (in *Inspector) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > in.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	return os.ReadFile(path)
}
