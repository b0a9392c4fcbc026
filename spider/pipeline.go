package spider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Pipeline processes scraped items in configured order. ProcessItem returns
// the (possibly rewritten) item for the next pipeline; a *DropItem error
// discards it, a *CloseSpider error stops the spider.
type Pipeline interface {
	ProcessItem(item Item, sp Spider) (Item, error)
}

// PipelineOpener and PipelineCloser are optional lifecycle hooks.
type PipelineOpener interface {
	Open(sp Spider) error
}

type PipelineCloser interface {
	Close(sp Spider) error
}

// MongoPipeline inserts items into a MongoDB collection, stamped with the
// spider name and scrape time.
type MongoPipeline struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoPipeline connects to MongoDB and targets database/collection.
func NewMongoPipeline(cfg MongoSettings, logger *slog.Logger) (*MongoPipeline, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoPipeline{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger.With("component", "mongo_pipeline"),
	}, nil
}

func (p *MongoPipeline) ProcessItem(item Item, sp Spider) (Item, error) {
	doc := make(map[string]any, len(item)+2)
	for k, v := range item {
		doc[k] = v
	}
	doc["_spider"] = sp.Name()
	doc["_scraped_at"] = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.collection.InsertOne(ctx, doc); err != nil {
		return item, fmt.Errorf("mongodb insert: %w", err)
	}
	p.mu.Lock()
	p.count++
	p.logger.Debug("item stored in mongodb", "total", p.count)
	p.mu.Unlock()
	return item, nil
}

func (p *MongoPipeline) Close(sp Spider) error {
	p.logger.Info("mongodb pipeline closing", "total_items", p.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.client.Disconnect(ctx)
}

// JSONLinesPipeline appends items to a file, one JSON object per line.
type JSONLinesPipeline struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLinesPipeline writes items to outputPath, creating directories as
// needed.
func NewJSONLinesPipeline(outputPath string, logger *slog.Logger) (*JSONLinesPipeline, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLinesPipeline{
		path:   outputPath,
		logger: logger.With("component", "jsonl_pipeline"),
	}, nil
}

func (p *JSONLinesPipeline) Open(sp Spider) error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	p.file = f
	return nil
}

func (p *JSONLinesPipeline) ProcessItem(item Item, sp Spider) (Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return item, fmt.Errorf("jsonl pipeline not opened")
	}
	line, err := json.Marshal(item)
	if err != nil {
		return item, &DropItem{Reason: fmt.Sprintf("unserializable item: %v", err)}
	}
	if _, err := p.file.Write(append(line, '\n')); err != nil {
		return item, fmt.Errorf("write item: %w", err)
	}
	p.count++
	return item, nil
}

func (p *JSONLinesPipeline) Close(sp Spider) error {
	p.logger.Info("jsonl pipeline closing", "total_items", p.count, "path", p.path)
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
