// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

func deviceKey(userID ref.UserID, deviceID ref.DeviceID) string {
	return joinKey(userID.String(), deviceID.String())
}

// GetDevice returns one directory entry.
func (s *Store) GetDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*DeviceKeys, error) {
	return load[DeviceKeys](ctx, s, kindDevice, deviceKey(userID, deviceID))
}

// ListDevices returns every stored device of userID, ordered by device
// ID.
func (s *Store) ListDevices(ctx context.Context, userID ref.UserID) ([]*DeviceKeys, error) {
	return loadAll[DeviceKeys](ctx, s, kindDevice, userID.String()+keySeparator)
}

// PutDevice writes a directory entry with compare-and-swap.
func (s *Store) PutDevice(ctx context.Context, device *DeviceKeys) error {
	return s.save(ctx, kindDevice, deviceKey(device.UserID, device.DeviceID), device)
}

// DeleteDevice removes a directory entry if it is still at the version
// the caller read.
func (s *Store) DeleteDevice(ctx context.Context, device *DeviceKeys) error {
	return s.remove(ctx, kindDevice, deviceKey(device.UserID, device.DeviceID), device.Version)
}

// PromoteTrust raises a device's trust to at least level. A device
// already at or above level is returned unchanged; trust is never
// lowered.
func (s *Store) PromoteTrust(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, level TrustLevel) (*DeviceKeys, error) {
	var (
		device   *DeviceKeys
		promoted bool
	)
	err := retryConflicts(func() error {
		current, err := s.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		}
		device = current
		if current.Trust >= level {
			promoted = false
			return nil
		}
		current.Trust = level
		promoted = true
		return s.PutDevice(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	if !promoted {
		return device, nil
	}
	s.logger.Info("device trust promoted",
		"user_id", userID.String(),
		"device_id", deviceID.String(),
		"trust", device.Trust.String(),
	)
	return device, nil
}

// SetBlocked sets or clears a device's blocked flag.
func (s *Store) SetBlocked(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, blocked bool) (*DeviceKeys, error) {
	var device *DeviceKeys
	err := retryConflicts(func() error {
		current, err := s.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		}
		device = current
		if current.Blocked == blocked {
			return nil
		}
		current.Blocked = blocked
		return s.PutDevice(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}
