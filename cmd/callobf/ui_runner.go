package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"callobf/internal/pipeline"
	"callobf/internal/ui"
)

type obfuscateOutcome struct {
	result pipeline.Result
	err    error
}

func runObfuscateWithUI(ctx context.Context, title string, req *pipeline.Request) (pipeline.Result, error) {
	if req == nil {
		return pipeline.Result{}, fmt.Errorf("missing obfuscate request")
	}
	events := make(chan pipeline.Event, 256)
	outcomeCh := make(chan obfuscateOutcome, 1)

	go func() {
		reqCopy := *req
		reqCopy.Progress = pipeline.ChannelSink{Ch: events}
		res, err := pipeline.Obfuscate(ctx, &reqCopy)
		outcomeCh <- obfuscateOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, pipeline.DisplayFiles(req.Files, req.BaseDir), events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}
