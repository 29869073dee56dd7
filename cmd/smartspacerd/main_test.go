package main

import (
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeStateTransfer struct {
	backupErr error
	backups   int
	restores  int
}

func (f *fakeStateTransfer) BackupAll() error {
	f.backups++
	return f.backupErr
}

func (f *fakeStateTransfer) RestoreAll() error {
	f.restores++
	return nil
}

func TestMaintenanceSignalsTriggerStateTransfer(t *testing.T) {
	signals := make(chan os.Signal, 3)
	signals <- syscall.SIGUSR1
	signals <- syscall.SIGUSR2
	signals <- syscall.SIGUSR1
	close(signals)

	host := &fakeStateTransfer{}
	handleMaintenanceSignals(signals, host, zap.NewNop())

	assert.Equal(t, 2, host.backups)
	assert.Equal(t, 1, host.restores)
}

func TestMaintenanceSignalsSurviveBackupFailure(t *testing.T) {
	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGUSR1
	signals <- syscall.SIGUSR2
	close(signals)

	host := &fakeStateTransfer{backupErr: errors.New("bus down")}
	handleMaintenanceSignals(signals, host, zap.NewNop())

	assert.Equal(t, 1, host.backups)
	assert.Equal(t, 1, host.restores)
}
