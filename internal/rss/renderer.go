// Package rss folds durably stored posts into per-author RSS documents.
// It is the only place where the opaque upstream payload is interpreted.
package rss

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
	"mvdan.cc/xurls/v2"

	"tweetfeed/internal/models"
)

const (
	profileURLFormat = "https://twitter.com/%s"
	statusURLFormat  = "https://twitter.com/%s/status/%d"

	fallbackProfileImage = "https://abs.twimg.com/favicons/win8-tile-144.png"
)

// Entry is one feed item, derived 1:1 from a RawItem. The mapping is pure:
// the same payload always renders to the same entry.
type Entry struct {
	ItemID       int64
	Username     string
	DisplayName  string
	ProfileImage string
	Title        string
	Link         string
	Published    time.Time
	Content      string
}

// GUID is the entry-level dedup key. It embeds the source item id, so
// reprocessing the same item overwrites instead of appending.
func (e Entry) GUID() string {
	return fmt.Sprintf(statusURLFormat, strings.ToLower(e.Username), e.ItemID)
}

type Renderer struct {
	policy  *bluemonday.Policy
	httpsRe *regexp.Regexp
}

func NewRenderer() (*Renderer, error) {
	httpsRe, err := xurls.StrictMatchingScheme("https://")
	if err != nil {
		return nil, fmt.Errorf("create URL regexp: %w", err)
	}

	return &Renderer{
		policy:  contentPolicy(),
		httpsRe: httpsRe,
	}, nil
}

// contentPolicy keeps the markup the renderer itself produces and nothing
// else. Raw post text never carries markup past it.
func contentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements("p", "br", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.AllowImages()
	p.AllowAttrs("width", "height", "controls").OnElements("video")
	p.AllowAttrs("src", "type").OnElements("source")

	return p
}

// Render maps a stored item onto a feed entry. The second return value is
// false when the item must not appear in a feed: the home timeline includes
// replies between followed users that do not belong on the author's own feed.
func (r *Renderer) Render(item models.RawItem) (Entry, bool, error) {
	post := gjson.ParseBytes(item.Payload)

	username := post.Get("author.username").String()
	if username == "" {
		return Entry{}, false, errors.New("payload has no author username")
	}

	if isForeignReply(post) {
		return Entry{}, false, nil
	}

	displayName := post.Get("author.name").String()
	if displayName == "" {
		displayName = username
	}

	published, err := publishedAt(post, item.FetchedAt)
	if err != nil {
		return Entry{}, false, err
	}

	profileImage := post.Get("author.profile_image_url").String()
	if profileImage == "" {
		profileImage = fallbackProfileImage
	}

	entry := Entry{
		ItemID:       item.ID,
		Username:     username,
		DisplayName:  displayName,
		ProfileImage: profileImage,
		Title:        fmt.Sprintf("%s posted %d", displayName, item.ID),
		Link:         fmt.Sprintf(statusURLFormat, strings.ToLower(username), item.ID),
		Published:    published,
		Content:      r.policy.Sanitize(r.renderContent(post, item.ID)),
	}

	return entry, true, nil
}

// isForeignReply reports whether the post is a reply to someone other than
// its own author and is not a retweet. Such posts show up on a home timeline
// but would not appear on the author's timeline.
func isForeignReply(post gjson.Result) bool {
	replyTo := post.Get("in_reply_to_user_id").String()
	if replyTo == "" {
		return false
	}

	if post.Get("referenced.retweeted").Exists() {
		return false
	}

	return replyTo != post.Get("author.id").String()
}

func publishedAt(post gjson.Result, fallback time.Time) (time.Time, error) {
	createdAt := post.Get("created_at").String()
	if createdAt == "" {
		return fallback.UTC(), nil
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}

	return t.UTC(), nil
}

// renderContent builds the HTML body of the entry. Retweets render the
// retweeted post's content under an attribution line; quoted posts append
// the quoted content after the post's own.
func (r *Renderer) renderContent(post gjson.Result, itemID int64) string {
	var b strings.Builder

	displayName := escapeText(post.Get("author.name").String())

	if retweeted := post.Get("referenced.retweeted"); retweeted.Exists() {
		fmt.Fprintf(&b, "<p>%s reposted</p>\n", displayName)
		b.WriteString(r.renderContent(retweeted, retweeted.Get("id").Int()))

		return b.String()
	}

	if replyTo := post.Get("in_reply_to_user_id").String(); replyTo != "" {
		if replied := post.Get("referenced.replied_to"); replied.Exists() {
			replyUsername := replied.Get("author.username").String()
			replyURL := fmt.Sprintf(statusURLFormat, strings.ToLower(replyUsername), replied.Get("id").Int())
			fmt.Fprintf(&b, "<p>Replying to <a href=%q>@%s</a></p>\n", replyURL, escapeText(replyUsername))
		}
	}

	b.WriteString("<blockquote>\n")
	r.renderText(&b, post)
	renderMedia(&b, post)
	b.WriteString("</blockquote>\n")

	username := post.Get("author.username").String()
	url := fmt.Sprintf(statusURLFormat, strings.ToLower(username), itemID)
	fmt.Fprintf(&b,
		"<p><img src=%q width=\"32\" height=\"32\" /> -- %s (@%s) <a href=%q>%s</a></p>\n",
		post.Get("author.profile_image_url").String(),
		displayName,
		escapeText(username),
		url,
		post.Get("created_at").String())

	if quoted := post.Get("referenced.quoted"); quoted.Exists() {
		fmt.Fprintf(&b, "<p>%s posted this while quoting the below post.</p>\n", displayName)
		b.WriteString(r.renderContent(quoted, quoted.Get("id").Int()))
	}

	return b.String()
}

// renderText writes the post text with entity URLs expanded, media links
// stripped, mentions linkified, and any remaining bare URLs autolinked.
func (r *Renderer) renderText(b *strings.Builder, post gjson.Result) {
	text := escapeText(post.Get("text").String())
	if text == "" {
		return
	}

	quotedURL := ""
	if quoted := post.Get("referenced.quoted"); quoted.Exists() {
		quotedUsername := quoted.Get("author.username").String()
		quotedURL = strings.ToLower(fmt.Sprintf(statusURLFormat, quotedUsername, quoted.Get("id").Int()))
	}

	sawEntityURLs := false
	for _, u := range post.Get("entities.urls").Array() {
		sawEntityURLs = true

		short := escapeText(u.Get("url").String())
		expanded := u.Get("expanded_url").String()

		switch {
		case u.Get("media_key").Exists():
			// Media links are stripped; the media itself is rendered below.
			text = strings.ReplaceAll(text, short, "")
		case quotedURL != "" && strings.ToLower(expanded) == quotedURL:
			text = strings.ReplaceAll(text, short, "")
		default:
			anchor := fmt.Sprintf("<a href=%q>%s</a>", expanded, escapeText(expanded))
			text = strings.ReplaceAll(text, short, anchor)
		}
	}

	if !sawEntityURLs {
		text = r.httpsRe.ReplaceAllStringFunc(text, func(u string) string {
			return fmt.Sprintf("<a href=%q>%s</a>", u, u)
		})
	}

	for _, m := range post.Get("entities.mentions").Array() {
		username := m.Get("username").String()
		if username == "" {
			continue
		}

		re, err := regexp.Compile(`(?i)@` + regexp.QuoteMeta(username) + `\b`)
		if err != nil {
			continue
		}

		profileURL := fmt.Sprintf(profileURLFormat, strings.ToLower(username))
		text = re.ReplaceAllString(text, fmt.Sprintf("<a href=%q>@%s</a>", profileURL, username))
	}

	text = strings.ReplaceAll(text, "\n", "<br/>")

	if text = strings.TrimSpace(text); text != "" {
		fmt.Fprintf(b, "<p>%s</p>\n", text)
	}
}

func renderMedia(b *strings.Builder, post gjson.Result) {
	for _, m := range post.Get("media").Array() {
		switch m.Get("type").String() {
		case "photo":
			renderPhoto(b, m.Get("url").String(), m.Get("alt_text").String())
		case "video", "animated_gif":
			variants := m.Get("variants").Array()
			if len(variants) == 0 {
				renderPhoto(b, m.Get("preview_image_url").String(), m.Get("alt_text").String())
				continue
			}

			variant := variants[len(variants)-1]
			fmt.Fprintf(b,
				"<p><a href=%q><video width=\"640\" height=\"480\" controls>"+
					"<source src=%q type=%q>"+
					"This browser or application does not appear to support the video tag."+
					"</video></a></p>\n",
				variant.Get("url").String(),
				variant.Get("url").String(),
				variant.Get("content_type").String())
		default:
			b.WriteString("<p>This post has media elements that cannot be rendered in this feed.</p>\n")
		}
	}
}

func renderPhoto(b *strings.Builder, url string, altText string) {
	if url == "" {
		return
	}

	fmt.Fprintf(b,
		"<p><a href=%q><img src=%q alt=%q width=\"640\" height=\"480\" /></a></p>\n",
		url, url, escapeText(altText))
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string {
	return textEscaper.Replace(s)
}
