package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/cockroachdb/errors"

	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/dataset"
	"github.com/hey-memory/LR4HCAR/pkg/metrics"
)

// DatasetsPrefix is the folder holding one sub-folder per dataset.
const DatasetsPrefix = "datasets/"

// Dataset is a fully loaded dataset folder.
type Dataset struct {
	Stats common.Stats
	Train []dataset.Query
	Test  []dataset.Query
	Tags  metrics.TagLookup
}

// ErrInvalidDataset marks dataset files that were fetched but could not be
// decoded or failed validation.
var ErrInvalidDataset = errors.New("invalid dataset")

func invalid(err error) error {
	return errors.Mark(err, ErrInvalidDataset)
}

// DatasetKey returns the object key of file within dataset name.
func DatasetKey(name, file string) string {
	return path.Join(DatasetsPrefix, name, file)
}

// LoadDataset reads stats.json, train.json, test.json and tags.json of the
// named dataset. Decoding and validation failures are marked with
// ErrInvalidDataset; fetch failures are returned as is.
func LoadDataset(ctx context.Context, client ObjectAPI, name string) (*Dataset, error) {
	raw, err := GetFile(ctx, client, DatasetKey(name, "stats.json"))
	if err != nil {
		return nil, err
	}
	var stats common.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, invalid(fmt.Errorf("failed to decode stats of %s: %w", name, err))
	}

	ds := &Dataset{Stats: stats}
	for file, dst := range map[string]*[]dataset.Query{"train.json": &ds.Train, "test.json": &ds.Test} {
		raw, err := GetFile(ctx, client, DatasetKey(name, file))
		if err != nil {
			return nil, err
		}
		qs, err := dataset.Parse(raw, stats)
		if err != nil {
			return nil, invalid(fmt.Errorf("%s of %s: %w", file, name, err))
		}
		*dst = qs
	}

	raw, err = GetFile(ctx, client, DatasetKey(name, "tags.json"))
	if err != nil {
		return nil, err
	}
	if ds.Tags, err = metrics.ParseTagLookup(raw); err != nil {
		return nil, invalid(fmt.Errorf("tags.json of %s: %w", name, err))
	}
	return ds, nil
}
