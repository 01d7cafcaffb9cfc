package jobconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/me/shardsched/pkg/model"
)

// DefaultPattern matches every YAML file below the jobs directory.
const DefaultPattern = "**/*.yaml"

// jobFile is the document shape of a job file. A file holds either a
// "jobs" list or a single job at the top level.
type jobFile struct {
	Jobs []model.JobDefinition `yaml:"jobs"`
}

// LoadDir reads every file under dir matching pattern and returns the
// validated job definitions sorted by name. Duplicate names are an error.
func LoadDir(dir, pattern string) ([]*model.JobDefinition, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid job file pattern %q", pattern)
	}

	fsys := os.DirFS(dir)
	files, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(files)

	seen := make(map[string]string)
	var jobs []*model.JobDefinition
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		parsed, err := ParseJobs(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		for _, job := range parsed {
			if prev, dup := seen[job.Name]; dup {
				return nil, fmt.Errorf("%s: job %q already defined in %s", f, job.Name, prev)
			}
			seen[job.Name] = f
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	return jobs, nil
}

// ParseJobs decodes one or more YAML documents of job definitions.
func ParseJobs(data []byte) ([]*model.JobDefinition, error) {
	var out []*model.JobDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}

		var file jobFile
		if err := node.Decode(&file); err == nil && len(file.Jobs) > 0 {
			for i := range file.Jobs {
				out = append(out, &file.Jobs[i])
			}
			continue
		}
		var single model.JobDefinition
		if err := node.Decode(&single); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, &single)
	}

	for _, job := range out {
		if err := job.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SyncResult summarizes one reconciliation.
type SyncResult struct {
	Added   []string
	Updated []string
	Deleted []string
}

// Sync makes the repository hold exactly jobs. Unchanged definitions are
// not rewritten so that watchers only see real changes.
func Sync(ctx context.Context, repo *Repository, jobs []*model.JobDefinition) (SyncResult, error) {
	var res SyncResult

	existing, err := repo.List(ctx)
	if err != nil {
		return res, err
	}
	current := make(map[string]*model.JobDefinition, len(existing))
	for _, j := range existing {
		current[j.Name] = j
	}

	wanted := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		wanted[job.Name] = true
		prev, ok := current[job.Name]
		if ok && *prev == *job {
			continue
		}
		if err := repo.Put(ctx, job); err != nil {
			return res, fmt.Errorf("put job %s: %w", job.Name, err)
		}
		if ok {
			res.Updated = append(res.Updated, job.Name)
		} else {
			res.Added = append(res.Added, job.Name)
		}
	}

	for name := range current {
		if wanted[name] {
			continue
		}
		if err := repo.Delete(ctx, name); err != nil {
			return res, fmt.Errorf("delete job %s: %w", name, err)
		}
		res.Deleted = append(res.Deleted, name)
	}
	sort.Strings(res.Deleted)
	return res, nil
}
