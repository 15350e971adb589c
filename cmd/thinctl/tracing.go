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

package main

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// initTracing registers a real sdktrace.TracerProvider as the global
// provider so the spans internal/pool starts via otel.Tracer(...)
// are actually sampled and resource-tagged instead of
// silently landing on the no-op default. No exporter is wired up here:
// thinctl is a one-shot CLI, not a long-lived service with somewhere
// to ship spans, so this only gets as far as giving every span a
// thinctl resource identity for whenever a batch exporter is added.
func initTracing() *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		semconv.ServiceName("thinctl"),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp
}
