package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quickquiz"
)

func main() {
	var (
		source     = flag.String("source", "", "Content source: file path or URL")
		kind       = flag.String("kind", "", "Source kind: pdf, url, or text (default: inferred from source)")
		title      = flag.String("title", "", "Display title for the document")
		docID      = flag.String("doc", "", "Generate for an already ingested document ID")
		topic      = flag.String("topic", "", "Topic focus for generation")
		numQs      = flag.Int("n", 0, "Number of questions to generate (default from config)")
		qType      = flag.String("type", "", "Question type: multiple_choice, true_false, short_answer, essay")
		difficulty = flag.String("difficulty", "", "Difficulty level: easy, medium, hard")
		outputFile = flag.String("output", "", "Output file for result JSON (default: stdout)")
		dbPath     = flag.String("db", "", "SQLite database path (default from config)")
		apiKey     = flag.String("api-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		ingestOnly = flag.Bool("ingest-only", false, "Ingest the source and exit without generating")
		list       = flag.Bool("list", false, "List ingested documents and exit")
		verbose    = flag.Bool("verbose", false, "Enable verbose debugging output")
	)

	flag.Parse()

	cfg := quickquiz.LoadConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *apiKey != "" {
		cfg.OpenAIKey = *apiKey
	}
	if cfg.OpenAIKey == "" && !*list {
		log.Fatal("OpenAI API key is required. Use -api-key flag or set OPENAI_API_KEY environment variable.")
	}

	logger := quickquiz.NewLogger(*verbose)
	defer logger.Sync()

	pipeline, cleanup, err := quickquiz.NewPipelineFromConfig(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer cleanup()

	if *list {
		listDocuments(pipeline)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	documentID := *docID
	if documentID == "" {
		if *source == "" {
			log.Fatal("A content source is required. Use -source, or -doc for an ingested document.")
		}
		src, err := buildSource(*source, *kind, *title)
		if err != nil {
			log.Fatalf("Failed to read source: %v", err)
		}
		doc, err := pipeline.Ingest(ctx, src)
		if err != nil {
			log.Fatalf("Failed to ingest source: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Ingested %q as document %s (%d chunks, status %s)\n",
			doc.Title, doc.ID, doc.ChunkCount, doc.Status)
		documentID = doc.ID
	}

	if *ingestOnly {
		return
	}

	result, err := pipeline.Generate(ctx, quickquiz.GenerationRequest{
		DocumentID:   documentID,
		Topic:        *topic,
		NumQuestions: *numQs,
		Type:         quickquiz.QuestionType(*qType),
		Difficulty:   quickquiz.Difficulty(*difficulty),
	})
	if err != nil {
		log.Fatalf("Failed to generate questions: %v", err)
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal result: %v", err)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			log.Fatalf("Failed to write output file: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Result saved to: %s\n", *outputFile)
	} else {
		fmt.Println(string(output))
	}

	if result.Status != quickquiz.BatchCompleted {
		fmt.Fprintf(os.Stderr, "Run finished with status %s: %d of %d questions approved\n",
			result.Status, len(result.Approved), result.Requested)
	}
}

func listDocuments(pipeline *quickquiz.Pipeline) {
	docs, err := pipeline.ListDocuments(50, 0)
	if err != nil {
		log.Fatalf("Failed to list documents: %v", err)
	}
	if len(docs) == 0 {
		fmt.Println("No documents ingested yet.")
		return
	}
	fmt.Printf("%-36s  %-6s  %-22s  %6s  %s\n", "ID", "KIND", "STATUS", "CHUNKS", "TITLE")
	for _, d := range docs {
		fmt.Printf("%-36s  %-6s  %-22s  %6d  %s\n", d.ID, d.SourceKind, d.Status, d.ChunkCount, d.Title)
	}
}

// buildSource turns the -source argument into a typed ingestion source,
// inferring the kind from the argument when -kind is not given.
func buildSource(source, kind, title string) (quickquiz.Source, error) {
	if kind == "" {
		switch {
		case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
			kind = "url"
		case strings.EqualFold(filepath.Ext(source), ".pdf"):
			kind = "pdf"
		default:
			kind = "text"
		}
	}

	switch quickquiz.SourceKind(kind) {
	case quickquiz.SourceKindURL:
		return quickquiz.URLSource(source), nil
	case quickquiz.SourceKindPDF:
		data, err := os.ReadFile(source)
		if err != nil {
			return quickquiz.Source{}, err
		}
		if title == "" {
			title = filepath.Base(source)
		}
		return quickquiz.PDFSource(title, data), nil
	case quickquiz.SourceKindText:
		data, err := os.ReadFile(source)
		if err != nil {
			return quickquiz.Source{}, err
		}
		if title == "" {
			title = filepath.Base(source)
		}
		return quickquiz.TextSource(title, string(data)), nil
	default:
		return quickquiz.Source{}, fmt.Errorf("unknown source kind %q", kind)
	}
}
