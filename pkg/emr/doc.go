// Package emr reads and writes the EMR plugin documents exchanged with the
// spirometer's instrument software.
//
// A request document (InData) names the patient and the test to perform:
//
//	<ndd Version="ndd.EasyWarePro.V1">
//	  <Command Type="PerformTest">
//	    <Parameter Name="OrderID">1</Parameter>
//	    <Parameter Name="TestType">FVC</Parameter>
//	  </Command>
//	  <Patients><Patient ID="...">...</Patient></Patients>
//	</ndd>
//
// The response document (OutData) carries the test results for the same
// patient: the FVC test of the first interval, its best values and every
// trial with result parameters and sampled flow/volume curves.
//
// Reading is a recursive descent over the token stream. Elements a level
// does not recognize are skipped up to their closing tag. By default the
// closing tag is matched by name only, which is correct while element names
// are unique within their enclosing element; SkipByDepth matches the true
// closing tag instead.
package emr
