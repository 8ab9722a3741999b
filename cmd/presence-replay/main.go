package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presencetrack/internal/replay"
	"presencetrack/internal/resolver"
)

func main() {
	input := flag.String("input", "output/raw_payloads.jsonl", "Raw capture JSONL input path")
	output := flag.String("output", "output/presence_timeline.jsonl", "Presence event timeline JSONL output path")
	window := flag.Duration("window", 5*time.Second, "Presence window")
	tick := flag.Duration("tick", time.Second, "Eviction tick interval")
	clamp := flag.Bool("clamp", true, "Keep LastSeen non-decreasing")
	detectedAt := flag.Bool("detected-at", false, "Stamp entities with the payload detection time when present")
	tagType := flag.String("tag-type", "customer", "Tag type every capture tag is classified as")
	prefixLen := flag.Int("key-prefix-len", 0, "Classification key prefix length (0 uses the whole tag)")
	flag.Parse()

	res, err := resolver.New(resolver.IdentityLookup{TagType: *tagType}, resolver.Config{
		AcceptedType: *tagType,
		KeyPrefixLen: *prefixLen,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create resolver: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := replay.RunFile(ctx, *input, *output, res, replay.Config{
		Window:        *window,
		Tick:          *tick,
		ClampLastSeen: *clamp,
		UseDetectedAt: *detectedAt,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s output=%s\n", sum, *output)
}
