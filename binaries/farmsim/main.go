// farmsim loads a farm scenario from a yaml file and drives the scheduler
// through a number of cycles, printing what ran where and how capacity was
// split between clients. Useful for validating SLA setups before rollout.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/filmgrid/renderfarm/common/stats"
	"github.com/filmgrid/renderfarm/scheduler/domain"
	"github.com/filmgrid/renderfarm/scheduler/server"
)

type scenario struct {
	Clients []struct {
		ID         string  `yaml:"id"`
		Tier       string  `yaml:"tier"`
		Guaranteed float64 `yaml:"guaranteed"`
		Max        float64 `yaml:"max"`
	} `yaml:"clients"`
	Nodes []struct {
		ID    string `yaml:"id"`
		Count int    `yaml:"count"`
		CPU   int    `yaml:"cpu"`
		MemGB int    `yaml:"memGB"`
		GPU   int    `yaml:"gpu"`
	} `yaml:"nodes"`
	Demands map[string]float64 `yaml:"demands"`
	Jobs    []struct {
		ID              string   `yaml:"id"`
		Client          string   `yaml:"client"`
		Type            string   `yaml:"type"`
		Priority        int      `yaml:"priority"`
		CPU             int      `yaml:"cpu"`
		MemGB           int      `yaml:"memGB"`
		GPU             int      `yaml:"gpu"`
		EstimateMinutes int      `yaml:"estimateMinutes"`
		DeadlineHours   float64  `yaml:"deadlineHours"`
		Deps            []string `yaml:"deps"`
	} `yaml:"jobs"`
}

func main() {
	var scenarioPath string
	var cycles int
	var borrowLimit float64
	var disableBorrowing bool
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "farmsim",
		Short: "simulate render farm scheduling over a yaml scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrap(err, "invalid log level")
			}
			log.SetLevel(level)
			return run(scenarioPath, cycles, borrowLimit, disableBorrowing)
		},
	}
	rootCmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to the scenario yaml (required)")
	rootCmd.Flags().IntVar(&cycles, "cycles", 3, "number of scheduling cycles to run")
	rootCmd.Flags().Float64Var(&borrowLimit, "borrow-limit", server.DefaultBorrowingLimitPct, "per-client borrowing cap in percentage points")
	rootCmd.Flags().BoolVar(&disableBorrowing, "disable-borrowing", false, "pin every client at its guarantee")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level")
	rootCmd.MarkFlagRequired("scenario")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(scenarioPath string, cycles int, borrowLimit float64, disableBorrowing bool) error {
	data, err := ioutil.ReadFile(scenarioPath)
	if err != nil {
		return errors.Wrap(err, "could not read scenario")
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return errors.Wrap(err, "could not parse scenario")
	}

	stat := stats.DefaultStatsReceiver().Scope("farmsim")
	config := server.DefaultSchedulerConfiguration()
	config.AllowBorrowing = !disableBorrowing
	config.BorrowingLimitPct = borrowLimit
	sched := server.NewFarmScheduler(config, server.NewLogrusEventSink(), server.NewStatsMetricsSink(stat), stat)

	for _, c := range sc.Clients {
		client := &domain.Client{
			ID:                  c.ID,
			Name:                c.ID,
			Tier:                domain.SLATier(c.Tier),
			GuaranteedResources: c.Guaranteed,
			MaxResources:        c.Max,
		}
		if err := sched.AddClient(client); err != nil {
			return errors.Wrapf(err, "could not add client %s", c.ID)
		}
	}
	for _, n := range sc.Nodes {
		count := n.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			id := n.ID
			if count > 1 {
				id = fmt.Sprintf("%s-%d", n.ID, i+1)
			}
			node := &domain.Node{
				ID:     id,
				Name:   id,
				Status: domain.NodeOnline,
				Capabilities: domain.NodeCapabilities{
					CPUCores: n.CPU,
					MemoryGB: n.MemGB,
					GPUCount: n.GPU,
				},
			}
			if err := sched.AddNode(node); err != nil {
				return errors.Wrapf(err, "could not add node %s", id)
			}
		}
	}
	for clientID, demand := range sc.Demands {
		if err := sched.UpdateClientDemand(clientID, demand); err != nil {
			return errors.Wrapf(err, "could not set demand for %s", clientID)
		}
	}

	now := time.Now()
	var submitted []string
	for _, j := range sc.Jobs {
		job := &domain.Job{
			ID:                   j.ID,
			Name:                 j.ID,
			ClientID:             j.Client,
			JobType:              j.Type,
			Priority:             j.Priority,
			CPURequirements:      j.CPU,
			MemoryRequirementsGB: j.MemGB,
			GPURequirements:      j.GPU,
			EstimatedDuration:    time.Duration(j.EstimateMinutes) * time.Minute,
			Dependencies:         j.Deps,
		}
		if j.DeadlineHours > 0 {
			job.Deadline = now.Add(time.Duration(j.DeadlineHours * float64(time.Hour)))
		}
		id, err := sched.SubmitJob(job)
		if err != nil {
			switch err.(type) {
			case *domain.CycleError, *domain.UnknownDependencyError:
				log.WithField("jobID", job.ID).Warn(err)
			default:
				return errors.Wrapf(err, "could not submit job %s", j.ID)
			}
		}
		submitted = append(submitted, id)
	}

	for i := 0; i < cycles; i++ {
		result, err := sched.RunSchedulingCycle()
		if err != nil {
			return errors.Wrapf(err, "cycle %d failed", i+1)
		}
		log.WithFields(log.Fields{
			"cycle":       i + 1,
			"scheduled":   result.JobsScheduled,
			"throttled":   result.JobsThrottled,
			"unmatched":   result.JobsUnmatched,
			"utilization": fmt.Sprintf("%.0f%%", result.UtilizationPct),
		}).Info("Cycle finished")

		status := sched.Status()
		for clientID, n := range status.RunningByClient {
			log.WithFields(log.Fields{"clientID": clientID, "running": n}).Info("Client usage")
		}
		// Running jobs finish between cycles so dependents can proceed.
		completeRunning(sched, submitted)
	}

	status := sched.Status()
	for st, n := range status.JobCounts {
		log.WithFields(log.Fields{"status": st.String(), "jobs": n}).Info("Final job counts")
	}
	os.Stdout.Write(stat.Render(true))
	fmt.Println()
	return nil
}

// completeRunning finishes every running job, simulating perfectly reliable
// nodes and estimates.
func completeRunning(sched server.Scheduler, submitted []string) {
	for _, id := range submitted {
		job, err := sched.GetJob(id)
		if err != nil || job.Status != domain.Running {
			continue
		}
		if err := sched.CompleteJob(id); err != nil {
			log.WithField("jobID", id).Warn(err)
		}
	}
}
