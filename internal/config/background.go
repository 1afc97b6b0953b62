package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/simonsobs/librarian/internal/cmn"
	"gopkg.in/yaml.v3"
)

// TaskKind names one of the task catalog entries in §4.4. It is a
// closed enum: an unknown kind in the config file is a Configuration
// error (§9 "Dynamic config objects -> typed configuration").
type TaskKind string

const (
	TaskCheckIntegrity             TaskKind = "check_integrity"
	TaskCreateLocalClone           TaskKind = "create_local_clone"
	TaskSendClone                  TaskKind = "send_clone"
	TaskConsumeQueue               TaskKind = "consume_queue"
	TaskCheckConsumedQueue         TaskKind = "check_consumed_queue"
	TaskIncomingTransferHypervisor TaskKind = "incoming_transfer_hypervisor"
	TaskOutgoingTransferHypervisor TaskKind = "outgoing_transfer_hypervisor"
	TaskDuplicateRemoteInstanceHV  TaskKind = "duplicate_remote_instance_hypervisor"
	TaskRollingDeletion            TaskKind = "rolling_deletion"
	TaskCorruptionFixer            TaskKind = "corruption_fixer"
)

// AllTaskKinds is used to validate config and to drive the
// administrative tool's "task kind unknown" exit code (§6).
var AllTaskKinds = map[TaskKind]bool{
	TaskCheckIntegrity:             true,
	TaskCreateLocalClone:           true,
	TaskSendClone:                  true,
	TaskConsumeQueue:               true,
	TaskCheckConsumedQueue:         true,
	TaskIncomingTransferHypervisor: true,
	TaskOutgoingTransferHypervisor: true,
	TaskDuplicateRemoteInstanceHV:  true,
	TaskRollingDeletion:            true,
	TaskCorruptionFixer:            true,
}

// TaskInstance is one configured occurrence of a task kind. Multiple
// instances of the same kind may run with different Options (§4.4,
// "two create_local_clone tasks for different store pairs").
type TaskInstance struct {
	Name        string       `yaml:"task_name"`
	Kind        TaskKind     `yaml:"kind"`
	Every       cmn.Duration `yaml:"every"`
	SoftTimeout cmn.Duration `yaml:"soft_timeout"`
	Options     TaskOptions  `yaml:"options"`
}

// TaskOptions is the tagged union of every task kind's parameters
// (§4.4). LoadBackgroundConfig rejects any key that is not a field of
// the document, and Validate requires the options each kind needs. A
// key that belongs to a different task kind is accepted and ignored
// by tasks of this kind, which read only their own fields.
type TaskOptions struct {
	// check_integrity
	StoreName string `yaml:"store_name,omitempty"`
	AgeInDays *int   `yaml:"age_in_days,omitempty"`

	// create_local_clone
	CloneFrom          string   `yaml:"clone_from,omitempty"`
	CloneTo            []string `yaml:"clone_to,omitempty"`
	FilesPerRun        int      `yaml:"files_per_run,omitempty"`
	DisableStoreOnFull bool     `yaml:"disable_store_on_full,omitempty"`

	// send_clone
	DestinationLibrarian string       `yaml:"destination_librarian,omitempty"`
	StorePreference      string       `yaml:"store_preference,omitempty"`
	SendBatchSize        int          `yaml:"send_batch_size,omitempty"`
	WarnDisabledTimer    cmn.Duration `yaml:"warn_disabled_timer,omitempty"`

	// rolling_deletion
	NumberOfRemoteCopies      int  `yaml:"number_of_remote_copies,omitempty"`
	VerifyDownstreamChecksums bool `yaml:"verify_downstream_checksums,omitempty"`
	MarkUnavailable           bool `yaml:"mark_unavailable,omitempty"`
	ForceDeletion             bool `yaml:"force_deletion,omitempty"`
}

// BackgroundConfig maps task kind to the list of configured instances
// (§6). The map key is redundant with TaskInstance.Kind but mirrors
// the YAML document shape described in spec.md §6 ("mapping from task
// kind to a list of task instances").
type BackgroundConfig struct {
	Tasks map[TaskKind][]TaskInstance `yaml:"tasks"`
}

func LoadBackgroundConfig(path string) (*BackgroundConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "reading background config %s", path)
	}
	var cfg BackgroundConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "parsing background config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *BackgroundConfig) Validate() error {
	for kind, instances := range c.Tasks {
		if !AllTaskKinds[kind] {
			return cmn.New(cmn.KindConfiguration, "unknown task kind %q", kind)
		}
		names := map[string]bool{}
		for i := range instances {
			inst := &instances[i]
			if inst.Kind == "" {
				inst.Kind = kind
			}
			if inst.Kind != kind {
				return cmn.New(cmn.KindConfiguration, "task %q: kind mismatch (map key %q vs %q)", inst.Name, kind, inst.Kind)
			}
			if inst.Name == "" {
				return cmn.New(cmn.KindConfiguration, "task of kind %q missing task_name", kind)
			}
			if names[inst.Name] {
				return cmn.New(cmn.KindConfiguration, "duplicate task_name %q", inst.Name)
			}
			names[inst.Name] = true
			if inst.Every.D() <= 0 {
				return cmn.New(cmn.KindConfiguration, "task %q: every must be positive", inst.Name)
			}
			if inst.SoftTimeout.D() <= 0 {
				return cmn.New(cmn.KindConfiguration, "task %q: soft_timeout must be positive", inst.Name)
			}
			if err := validateOptions(*inst); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOptions(inst TaskInstance) error {
	o := inst.Options
	switch inst.Kind {
	case TaskCheckIntegrity:
		if o.StoreName == "" {
			return missing(inst, "store_name")
		}
	case TaskCreateLocalClone:
		if o.CloneFrom == "" {
			return missing(inst, "clone_from")
		}
		if len(o.CloneTo) == 0 {
			return missing(inst, "clone_to")
		}
		if o.FilesPerRun <= 0 {
			return missing(inst, "files_per_run")
		}
	case TaskSendClone:
		if o.DestinationLibrarian == "" {
			return missing(inst, "destination_librarian")
		}
		if o.SendBatchSize <= 0 {
			return missing(inst, "send_batch_size")
		}
	case TaskRollingDeletion:
		if o.StoreName == "" {
			return missing(inst, "store_name")
		}
		if o.NumberOfRemoteCopies <= 0 {
			return missing(inst, "number_of_remote_copies")
		}
	case TaskConsumeQueue, TaskCheckConsumedQueue, TaskIncomingTransferHypervisor,
		TaskOutgoingTransferHypervisor, TaskDuplicateRemoteInstanceHV, TaskCorruptionFixer:
		// no required options beyond every/soft_timeout
	}
	return nil
}

func missing(inst TaskInstance, field string) error {
	return cmn.New(cmn.KindConfiguration, "task %q (%s): missing required option %q", inst.Name, inst.Kind, field)
}

func (o TaskOptions) AgeInDaysOr(def int) int {
	if o.AgeInDays == nil {
		return def
	}
	return *o.AgeInDays
}
