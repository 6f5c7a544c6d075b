package metadata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdillenkofer/strato/internal/backend"
)

// RegisterInstance adds instance to the global instance index. Records of
// registered instances are left alone by the reaper until they age out.
func RegisterInstance(ctx context.Context, launcher backend.Launcher, instance Instance) error {
	result, err := backend.Do(ctx, launcher, PutOp(InstanceIndex(), instance.InstanceId, instance))
	if err != nil {
		return err
	}
	return result.Err()
}

func DeregisterInstance(ctx context.Context, launcher backend.Launcher, instanceId string) error {
	result, err := backend.Do(ctx, launcher, DeleteOp(InstanceIndex(), instanceId))
	if err != nil {
		return err
	}
	if result.RC == backend.RCNotFound {
		return nil
	}
	return result.Err()
}

// ListInstances returns the registered instances by id. Entries that
// cannot be decoded are skipped.
func ListInstances(ctx context.Context, launcher backend.Launcher) (map[string]Instance, error) {
	result, err := backend.Do(ctx, launcher, ListOp(InstanceIndex(), "", "", 0))
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	instances := map[string]Instance{}
	for i, key := range result.Keys {
		instance, err := Decode[Instance](result.Values[i])
		if err != nil {
			slog.Warn(fmt.Sprintf("Skipping corrupted instance entry %s: %v", key, err))
			continue
		}
		instances[key] = instance
	}
	return instances, nil
}
