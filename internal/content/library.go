package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

// readableExt lists the document formats the library can load.
var readableExt = map[string]bool{".txt": true, ".md": true}

// Library loads topic source documents from a directory and splits them into
// chunks. Single-topic documents are held in a DocCache.
type Library struct {
	catalog   *Catalog
	dir       string
	chunkSize int
	cache     *DocCache
	log       *logger.Logger
}

func NewLibrary(catalog *Catalog, dir string, chunkSize int, cache *DocCache, log *logger.Logger) *Library {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Library{catalog: catalog, dir: dir, chunkSize: chunkSize, cache: cache, log: log}
}

func (l *Library) Catalog() *Catalog {
	return l.catalog
}

// Document concatenates the source text of the given topics, each preceded
// by a "=== title ===" header. For every topic the first readable file wins.
func (l *Library) Document(topicIDs []string) (string, error) {
	if err := l.catalog.Validate(topicIDs); err != nil {
		return "", err
	}

	cacheKey := ""
	if len(topicIDs) == 1 {
		cacheKey = topicIDs[0]
		if text, ok := l.cache.Get(cacheKey); ok {
			return text, nil
		}
	}

	var b strings.Builder
	loaded := 0
	for _, id := range topicIDs {
		topic, _ := l.catalog.Get(id)
		b.WriteString("\n\n=== " + topic.Title + " ===\n\n")

		text, ok := l.readFirst(topic)
		if !ok {
			l.log.Warn("no readable document for topic", "topic", id, "files", topic.Files)
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
		loaded++
	}

	if loaded == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoContent, strings.Join(topicIDs, ","))
	}

	doc := b.String()
	if cacheKey != "" {
		l.cache.Set(cacheKey, doc)
	}
	return doc, nil
}

// Chunks returns the chunked source text of the given topics.
func (l *Library) Chunks(topicIDs []string) ([]string, error) {
	doc, err := l.Document(topicIDs)
	if err != nil {
		return nil, err
	}
	chunks := SplitIntoChunks(doc, l.chunkSize)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, strings.Join(topicIDs, ","))
	}
	return chunks, nil
}

// Status reports, per catalog topic, whether a readable document exists and
// how many chunks it yields.
func (l *Library) Status() []models.TopicStatus {
	var out []models.TopicStatus
	for _, t := range l.catalog.All() {
		st := models.TopicStatus{Topic: t}
		if chunks, err := l.Chunks([]string{t.ID}); err == nil {
			st.Available = true
			st.Chunks = len(chunks)
		}
		out = append(out, st)
	}
	return out
}

func (l *Library) readFirst(topic models.Topic) (string, bool) {
	for _, name := range topic.Files {
		ext := strings.ToLower(filepath.Ext(name))
		if !readableExt[ext] {
			l.log.Debug("skipping unsupported document format", "topic", topic.ID, "file", name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			l.log.Debug("document not readable", "topic", topic.ID, "file", name, "error", err)
			continue
		}
		return string(data), true
	}
	return "", false
}
