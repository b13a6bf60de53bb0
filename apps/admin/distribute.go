package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/workbook"
)

func (cli *commandLine) distribute(workbookID string, targetIDs []string, overwrite bool) error {
	for i := range targetIDs {
		targetIDs[i] = core.CleanString(targetIDs[i])
	}

	report, err := cli.distributor.Distribute(context.Background(), workbookID, targetIDs, overwrite)
	if err != nil {
		if _, ok := errors.Cause(err).(*workbook.PartialDistributionError); !ok {
			return err
		}
	}

	fmt.Printf("workbook %s:\n", report.WorkbookID)
	fmt.Printf("  created:  %d %v\n", len(report.Created), report.Created)
	fmt.Printf("  replaced: %d %v\n", len(report.Replaced), report.Replaced)
	fmt.Printf("  skipped:  %d %v\n", len(report.Skipped), report.Skipped)
	for _, f := range report.Failures {
		fmt.Printf("  failed:   %s: %v\n", f.OwnerID, f.Err)
	}
	return err
}
