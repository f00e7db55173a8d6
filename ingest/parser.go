package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"rental-ingest/models"
)

// elementBuffer bounds the parsed elements queued ahead of the consumer.
const elementBuffer = 8

// Parser emits the top-level elements of a JSON array one at a time as they
// complete on the wire. Run is the producer; the consumer ranges over
// Elements and may Pause and Resume the producer between elements.
type Parser struct {
	dec *json.Decoder
	out chan models.RawElement

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	emitted atomic.Int64
}

func NewParser(r io.Reader) *Parser {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Parser{
		dec: dec,
		out: make(chan models.RawElement, elementBuffer),
	}
}

// Elements is closed when Run returns.
func (p *Parser) Elements() <-chan models.RawElement {
	return p.out
}

// Pause stops the producer before it decodes the next element. Elements
// already decoded stay queued.
func (p *Parser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

func (p *Parser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
}

// Emitted returns the number of elements handed to the consumer so far.
func (p *Parser) Emitted() int64 {
	return p.emitted.Load()
}

// Run decodes the stream until the closing bracket. An empty body or an empty
// array yields no elements and no error.
func (p *Parser) Run(ctx context.Context) error {
	defer close(p.out)

	tok, err := p.dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return p.classify(ctx, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return p.malformed(fmt.Errorf("expected top-level array, found %v", tok))
	}

	for {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if !p.dec.More() {
			break
		}

		var v models.RawElement
		if err := p.dec.Decode(&v); err != nil {
			return p.classify(ctx, err)
		}

		select {
		case p.out <- v:
			p.emitted.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// More reports false on both ']' and read errors; Token tells them apart.
	if _, err := p.dec.Token(); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return p.classify(ctx, err)
	}
	if tok, err := p.dec.Token(); err != io.EOF {
		if err != nil {
			return p.classify(ctx, err)
		}
		return p.malformed(fmt.Errorf("unexpected %v after top-level array", tok))
	}
	return nil
}

func (p *Parser) wait(ctx context.Context) error {
	p.mu.Lock()
	paused, resume := p.paused, p.resume
	p.mu.Unlock()
	if !paused {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify separates bad content from a broken stream. A stream closed
// because the job was canceled reports the cancellation.
func (p *Parser) classify(ctx context.Context, err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return p.malformed(err)
	}
	return &SourceUnavailableError{Err: fmt.Errorf("reading stream: %w", err)}
}

func (p *Parser) malformed(err error) error {
	return &MalformedStreamError{Offset: p.dec.InputOffset(), Err: err}
}
