package embedding

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/skeedo-sys/platform/pkg/observability"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

const (
	// maxChunkRunes bounds the size of one embedded chunk.
	maxChunkRunes = 1500

	// ingestConcurrency bounds parallel embedding calls per ingest.
	ingestConcurrency = 4
)

// Ingestor chunks data unit text, embeds the chunks and writes the
// resulting records to the vector store.
type Ingestor struct {
	service Service
	store   vectorstore.Store
}

// NewIngestor creates an ingestor over the given service and store.
func NewIngestor(service Service, store vectorstore.Store) *Ingestor {
	return &Ingestor{service: service, store: store}
}

// Ingest embeds the text of one data unit and stores its records under
// the namespace. Existing records for the unit are replaced. It returns
// the total embedding cost in credits.
func (in *Ingestor) Ingest(ctx context.Context, namespace, unitID, text string) (float64, error) {
	start := time.Now()

	chunks := SplitChunks(text, maxChunkRunes)
	if len(chunks) == 0 {
		err := in.store.DeleteUnit(ctx, namespace, unitID)
		observability.RecordIngest(ingestStatus(err), time.Since(start))
		return 0, err
	}

	records := make([]vectorstore.Record, len(chunks))
	costs := make([]float64, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := in.service.Embed(gctx, chunk)
			if err != nil {
				return err
			}
			records[i] = vectorstore.Record{
				UnitID:  unitID,
				Content: chunk,
				Vector:  res.Vector,
			}
			costs[i] = res.Cost
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		observability.RecordIngest("error", time.Since(start))
		return 0, err
	}

	if err := in.store.Put(ctx, namespace, unitID, records); err != nil {
		observability.RecordIngest("error", time.Since(start))
		return 0, err
	}
	observability.RecordIngest("ok", time.Since(start))

	var total float64
	for _, c := range costs {
		total += c
	}
	return total, nil
}

func ingestStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "deleted"
}

// SplitChunks splits text into chunks of at most maxRunes runes,
// preferring paragraph and line boundaries. Blank chunks are dropped.
func SplitChunks(text string, maxRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		currentLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		n := utf8.RuneCountInString(para)
		if currentLen > 0 && currentLen+n+2 > maxRunes {
			flush()
		}

		if n > maxRunes {
			// Paragraph too large on its own, fall back to a hard
			// split on rune boundaries.
			runes := []rune(para)
			for len(runes) > 0 {
				take := maxRunes
				if take > len(runes) {
					take = len(runes)
				}
				flush()
				if chunk := strings.TrimSpace(string(runes[:take])); chunk != "" {
					chunks = append(chunks, chunk)
				}
				runes = runes[take:]
			}
			continue
		}

		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += n
	}
	flush()

	return chunks
}
