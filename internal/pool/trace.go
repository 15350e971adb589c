// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package pool

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// withSpan wraps a worker-context metadata-store call in an OTel
// span, the way abiolaogu-MinIO's internal/tracing package wraps its
// own storage-layer RPCs. p.tracer defaults to a no-op tracer (see
// Pool.New), so this costs nothing when no provider is configured.
func (p *Pool) withSpan(name string, attrs []attribute.KeyValue, f func() error) error {
	_, span := p.tracer.Start(p.ctx, name, trace.WithAttributes(attrs...))
	defer span.End()
	if err := f(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
