package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"iqeas/internal/app"
	"iqeas/internal/domain"
	"iqeas/internal/engine"
	"iqeas/internal/repo"
)

func openDB(ctx context.Context) (*sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenDB(ctx, viper.GetString("workspace"), cfg)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseAttachments reads label=locator pairs. A bare locator keeps an empty
// label so the engine reports it.
func parseAttachments(in []string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	for _, raw := range in {
		label, locator, ok := strings.Cut(raw, "=")
		if !ok {
			locator, label = label, ""
		}
		if strings.TrimSpace(locator) == "" {
			return nil, fmt.Errorf("attachment %q has no locator", raw)
		}
		out = append(out, domain.Attachment{Label: strings.TrimSpace(label), Locator: strings.TrimSpace(locator)})
	}
	return out, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printStages(states []engine.StageState) error {
	if viper.GetBool("json") {
		return printJSON(states)
	}
	tw := newTable("Stage", "Status", "Phase", "Events")
	for _, s := range states {
		tw.AppendRow(table.Row{s.Stage, s.Status, s.Phase, s.Events})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
