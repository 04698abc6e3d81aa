package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/osteele/liquid"
	"golang.org/x/net/html"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
)

// SnapshotService freezes what a campaign will send
type SnapshotService interface {
	// Build renders the campaign's inputs into a snapshot. It performs no
	// writes; StartSend persists the result.
	Build(ctx context.Context, campaign *models.Campaign) (*models.Snapshot, error)
}

const digestLayout = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ subject | escape }}</title></head>
<body>
{% if preheader != "" %}<div style="display:none;max-height:0;overflow:hidden">{{ preheader | escape }}</div>
{% endif %}<h1>{{ subject | escape }}</h1>
{% for item in items %}<div class="article">
{% if item.image != "" %}<img src="{{ item.image | escape }}" alt="{{ item.title | escape }}">
{% endif %}<h2><a href="{{ item.url | escape }}">{{ item.title | escape }}</a></h2>
{% if item.description != "" %}<p>{{ item.description | escape }}</p>
{% elsif item.body != "" %}<p>{{ item.body | escape }}</p>
{% endif %}{% if item.url != "" %}<p><a href="{{ item.url | escape }}">Read more</a></p>
{% endif %}</div>
{% endfor %}<p class="footer"><a href="{unsubscribe_url}">Unsubscribe</a></p>
</body>
</html>
`

const unsubscribeFooter = `<p class="footer"><a href="{unsubscribe_url}">Unsubscribe</a></p>`

type snapshotService struct {
	contentRepo            repository.ContentRepository
	layout                 *liquid.Template
	unsubscribeURLTemplate string
	logger                 *slog.Logger
}

// NewSnapshotService creates a snapshot service. unsubscribeURLTemplate is
// frozen into every snapshot's metadata.
func NewSnapshotService(contentRepo repository.ContentRepository, unsubscribeURLTemplate string, logger *slog.Logger) (SnapshotService, error) {
	layout, err := liquid.NewEngine().ParseString(digestLayout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest layout: %w", err)
	}

	return &snapshotService{
		contentRepo:            contentRepo,
		layout:                 layout,
		unsubscribeURLTemplate: unsubscribeURLTemplate,
		logger:                 logger,
	}, nil
}

// Build renders HTML, derives plaintext and captures metadata
func (s *snapshotService) Build(ctx context.Context, campaign *models.Campaign) (*models.Snapshot, error) {
	if err := campaign.ValidateTemplateContent(); err != nil {
		return nil, err
	}

	snapshot := &models.Snapshot{
		Meta: models.SnapshotMeta{
			Subject:                campaign.Subject,
			Preheader:              campaign.Preheader,
			UnsubscribeURLTemplate: s.unsubscribeURLTemplate,
			SnapshottedAt:          time.Now().UTC(),
		},
	}

	switch campaign.Template {
	case models.TemplateStandard:
		items, err := s.resolveContent(ctx, campaign)
		if err != nil {
			return nil, err
		}

		rendered, err := s.renderDigest(campaign, items)
		if err != nil {
			return nil, err
		}

		snapshot.HTML = rendered
		snapshot.ContentIDs = make([]string, 0, len(items))
		for _, item := range items {
			snapshot.ContentIDs = append(snapshot.ContentIDs, item.ID)
		}

	case models.TemplateCustom:
		snapshot.HTML = campaign.BodyHTML
		if !strings.Contains(snapshot.HTML, "{unsubscribe_url}") {
			snapshot.HTML = appendFooter(snapshot.HTML)
		}
	}

	text, err := HTMLToText(snapshot.HTML)
	if err != nil {
		return nil, models.ErrInvalidTemplateContentWithMsg(fmt.Sprintf("cannot derive plaintext: %v", err))
	}
	snapshot.Text = text

	return snapshot, nil
}

// resolveContent fetches the curated items in the campaign's order. Missing
// ids are dropped.
func (s *snapshotService) resolveContent(ctx context.Context, campaign *models.Campaign) ([]models.ContentItem, error) {
	found, err := s.contentRepo.GetContentItemsByIds(ctx, campaign.ContentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load content items: %w", err)
	}

	byID := make(map[string]models.ContentItem, len(found))
	for _, item := range found {
		byID[item.ID] = item
	}

	items := make([]models.ContentItem, 0, len(campaign.ContentIDs))
	seen := make(map[string]bool, len(campaign.ContentIDs))
	for _, id := range campaign.ContentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		item, ok := byID[id]
		if !ok {
			s.logger.Warn("content item missing, dropped from snapshot",
				slog.String("campaign_id", campaign.ID),
				slog.String("content_id", id),
			)
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, models.ErrInvalidTemplateContentWithMsg("none of the campaign's content items exist")
	}

	return items, nil
}

func (s *snapshotService) renderDigest(campaign *models.Campaign, items []models.ContentItem) (string, error) {
	bindings := liquid.Bindings{
		"subject":   campaign.Subject,
		"preheader": campaign.Preheader,
		"items":     contentBindings(items),
	}

	out, err := s.layout.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("failed to render digest: %w", err)
	}
	return out, nil
}

func contentBindings(items []models.ContentItem) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"id":          item.ID,
			"title":       item.Title,
			"description": item.Description,
			"body":        item.Body,
			"image":       item.Image,
			"url":         item.URL,
		})
	}
	return out
}

func appendFooter(body string) string {
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i != -1 {
		return body[:i] + unsubscribeFooter + body[i:]
	}
	return body + "\n" + unsubscribeFooter
}

// HTMLToText flattens HTML into readable plaintext. Block elements end a
// paragraph; scripts, styles and hidden preheaders are skipped. Link targets
// that are placeholders are kept so the text part still carries them.
func HTMLToText(body string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	var paragraphs []string
	var current strings.Builder

	flush := func() {
		text := strings.Join(strings.Fields(current.String()), " ")
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
		current.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "title":
				return
			case "div":
				if hidden(n) {
					return
				}
			case "br":
				current.WriteString(" ")
			}
		}

		if n.Type == html.TextNode {
			current.WriteString(n.Data)
			current.WriteString(" ")
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if href := attr(n, "href"); strings.HasPrefix(href, "{") {
					current.WriteString("(" + href + ") ")
				}
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "article", "section", "header", "footer", "tr", "blockquote":
				flush()
			}
		}
	}

	walk(doc)
	flush()

	return strings.Join(paragraphs, "\n\n"), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hidden(n *html.Node) bool {
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none")
}
