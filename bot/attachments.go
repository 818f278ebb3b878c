package bot

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/xurls/v2"
)

var (
	// mentionPattern matches discord mention tokens in message content.
	mentionPattern = regexp.MustCompile(`<@\d+>`)

	// imageExtensionPattern is the allow-list of image types accepted as
	// attachments, matched anywhere in the URL (query strings and CDN
	// suffixes follow the extension on discord attachment URLs).
	imageExtensionPattern = regexp.MustCompile(`(?i)\.(png|jpe?g|gif)`)

	// urlPattern extracts schemed URLs from message text.
	urlPattern = xurls.Strict()
)

// ParsedMessage is the classifier's output: the question with mentions
// and image URLs removed, the text of the message the user replied to
// (if any), and the accepted image URLs in the order they appeared
// (direct uploads first, then in-text URLs).
type ParsedMessage struct {
	Text      string
	Reference string
	Images    []string
}

// ParseMessage classifies a raw inbound message before any session
// mutation or OpenAI call. Direct attachment URLs and in-text URLs are
// checked against the image extension allow-list; a single unsupported
// URL fails the whole message with ErrUnsupportedAttachment - there is
// no partial acceptance. Accepted in-text URLs are removed from the
// text (every occurrence, so re-parsing the output is a no-op).
func ParseMessage(
	content string,
	attachmentURLs []string,
	reference string,
) (ParsedMessage, error) {
	parsed := ParsedMessage{Reference: reference}

	text := mentionPattern.ReplaceAllString(content, "")
	text = strings.TrimSpace(text)

	for _, u := range attachmentURLs {
		if !imageExtensionPattern.MatchString(u) {
			return parsed, fmt.Errorf(
				"%w: %s", ErrUnsupportedAttachment, u,
			)
		}
		parsed.Images = append(parsed.Images, u)
	}

	for _, u := range urlPattern.FindAllString(text, -1) {
		if !imageExtensionPattern.MatchString(u) {
			return parsed, fmt.Errorf(
				"%w: %s", ErrUnsupportedAttachment, u,
			)
		}
		parsed.Images = append(parsed.Images, u)
		text = strings.ReplaceAll(text, u, "")
	}

	parsed.Text = strings.TrimSpace(text)
	return parsed, nil
}

// imageRefs pairs the accepted URLs with the configured resolution hint.
func imageRefs(urls []string, detail ImageDetail) []ImageRef {
	if len(urls) == 0 {
		return nil
	}
	refs := make([]ImageRef, 0, len(urls))
	for _, u := range urls {
		refs = append(refs, ImageRef{URL: u, Detail: detail})
	}
	return refs
}
