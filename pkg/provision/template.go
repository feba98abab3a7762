// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// fs is the filesystem we load pod templates from. Tests swap this for an
// in-memory filesystem.
var fs = afero.NewOsFs()

// getPodTemplate loads a pod template from disk. An empty filename yields a
// nil template, which the merge step treats as a no-op.
func getPodTemplate(filename string) (*corev1.Pod, error) {
	if filename == "" {
		return nil, nil
	}

	tpr, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, xerrors.Errorf("cannot read pod template: %w", err)
	}

	var res corev1.Pod
	err = yaml.Unmarshal(tpr, &res)
	if err != nil {
		return nil, xerrors.Errorf("cannot unmarshal pod template: %w", err)
	}

	return &res, nil
}
