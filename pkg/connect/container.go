package connect

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkoelker/switchyard/pkg/config"
)

const (
	// DockerRuntime is the name of the Docker container runtime.
	DockerRuntime = "docker"

	// PodmanRuntime is the name of the Podman container runtime.
	PodmanRuntime = "podman"

	// NPX represents the Node Package Executor.
	NPX = "npx"

	// NPXImage represents the default image for NPX.
	NPXImage = "docker.io/node:alpine"

	// UVX represents the Universal Executor.
	UVX = "uvx"

	// UVXImage represents the default image for UVX.
	UVXImage = "ghcr.io/astral-sh/uv:alpine"

	// DefaultContainerWorkDir is where the working directory is mounted.
	DefaultContainerWorkDir = "/workspace"
)

// ErrNoContainerRuntime indicates that no container runtime was found.
var ErrNoContainerRuntime = errors.New("no container runtime found")

// DefaultImageForCommand returns the default container image for a command.
func DefaultImageForCommand(command string) string {
	switch command {
	case NPX:
		return NPXImage
	case UVX:
		return UVXImage
	default:
		return ""
	}
}

// DefaultContainer returns the container used for npx and uvx servers when
// automatic isolation is enabled. It mounts a per command package cache and
// the current working directory.
func DefaultContainer(command, cacheDir, workDir string) (*config.Container, error) {
	image := DefaultImageForCommand(command)
	if image == "" {
		return nil, nil //nolint:nilnil
	}

	commandCache := filepath.Join(cacheDir, config.DefaultConfigDirName, command)
	if err := os.MkdirAll(commandCache, config.DirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create default cache dir: %w", err)
	}

	container := &config.Container{
		Image:   image,
		Volumes: map[string]string{workDir: DefaultContainerWorkDir},
		WorkDir: DefaultContainerWorkDir,
	}

	switch command {
	case NPX:
		container.Volumes[commandCache] = "/root/.npm"
	case UVX:
		container.Volumes[commandCache] = "/root/.cache/uv"
	}

	return container, nil
}

// DetectRuntime returns the path of podman or, failing that, docker.
func DetectRuntime() (string, error) {
	for _, runtime := range []string{PodmanRuntime, DockerRuntime} {
		if path, err := exec.LookPath(runtime); err == nil {
			return path, nil
		}
	}

	return "", ErrNoContainerRuntime
}

// IsContainerCommand checks if the command is already a container command.
func IsContainerCommand(command string) bool {
	return command == DockerRuntime || command == PodmanRuntime ||
		strings.HasSuffix(command, "/"+DockerRuntime) ||
		strings.HasSuffix(command, "/"+PodmanRuntime)
}

// ContainerCommand wraps command and args in a container run. Environment
// variables are forwarded by name so their values never appear in the
// process arguments.
func ContainerCommand(command string, args []string, container *config.Container, envNames []string) []string {
	containerArgs := []string{"run", "--rm", "--interactive"}

	for _, host := range slices.Sorted(maps.Keys(container.Volumes)) {
		containerArgs = append(containerArgs, "--volume", host+":"+container.Volumes[host])
	}

	for _, name := range envNames {
		containerArgs = append(containerArgs, "--env", name)
	}

	if container.Network != "" {
		containerArgs = append(containerArgs, "--network", container.Network)
	}

	if container.User != "" {
		containerArgs = append(containerArgs, "--user", container.User)
	}

	if container.WorkDir != "" {
		containerArgs = append(containerArgs, "--workdir", container.WorkDir)
	}

	containerArgs = append(containerArgs, container.Args...)
	containerArgs = append(containerArgs, container.Image, command)

	return append(containerArgs, args...)
}

// envNames returns the variable names of KEY=VALUE pairs.
func envNames(env []string) []string {
	names := make([]string, 0, len(env))

	for _, pair := range env {
		name, _, _ := strings.Cut(pair, "=")
		names = append(names, name)
	}

	return names
}
