// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/proxyd/services/reputation/query"
)

func runLookup(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	st, err := openStore(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer st.Close()

	engine := query.New(st)
	if lookupCIDR {
		batches, err := engine.BatchLookupCIDR(args)
		if err != nil {
			return err
		}
		for _, batch := range batches {
			for _, res := range batch {
				fmt.Println(formatResult(res))
			}
		}
		return nil
	}

	results, err := engine.BatchLookupIP(args)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Println(formatResult(res))
	}
	return nil
}

// formatResult renders one lookup answer as a single text line.
func formatResult(res query.Result) string {
	switch res.Verdict {
	case query.VerdictInvalid:
		return fmt.Sprintf("%s: invalid address", res.Query)
	case query.VerdictNoMatch:
		return fmt.Sprintf("%s: no match", res.Query)
	}
	line := fmt.Sprintf("%s: %s [%s - %s]", res.Query, res.Category, res.Start, res.End)
	if !res.LastSeen.IsZero() {
		line += " last seen " + res.LastSeen.UTC().Format("2006-01-02")
	}
	return line
}
