// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/pkg/ct2vmlib"
)

type ResumeStateCmd struct {
	List    ResumeStateListCmd    `cmd:"" help:"List the jobs that can be resumed."`
	Discard ResumeStateDiscardCmd `cmd:"" help:"Delete the saved state and the kept workspace of a job."`
}

type ResumeStateListCmd struct{}

func (c *ResumeStateListCmd) Run(app *appContext) error {
	states, err := ct2vmlib.NewResumeStore(app.settings.Paths.StateDir).List()
	if err != nil {
		return err
	}

	if len(states) == 0 {
		fmt.Println("No saved job states")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CTID\tVMID\tSTAGE\tSAVED\tWORKSPACE")
	for _, state := range states {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", state.ContainerId, state.VmId, state.Stage,
			state.Timestamp.Local().Format(time.DateTime), state.WorkspacePath)
	}
	return w.Flush()
}

type ResumeStateDiscardCmd struct {
	ContainerId int `name:"ctid" help:"ID of the job's source container." required:""`
	VmId        int `name:"vmid" help:"ID of the job's VM." required:""`
}

func (c *ResumeStateDiscardCmd) Run(app *appContext) error {
	state, err := ct2vmlib.NewResumeStore(app.settings.Paths.StateDir).Discard(c.ContainerId, c.VmId)
	if err != nil {
		return err
	}

	logger.Log.Infof("Discarded state of job (%s) saved at stage (%s)", state.Key(), state.Stage)
	return nil
}
